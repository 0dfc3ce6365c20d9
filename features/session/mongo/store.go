package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/conductor/features/session/mongo/clients/mongo"
)

// Backend implements session.Backend by delegating to the Mongo client.
type Backend struct {
	client clientsmongo.Client
}

// NewBackend builds a Backend using the provided client.
func NewBackend(client clientsmongo.Client) (*Backend, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Backend{client: client}, nil
}

// Read implements session.Backend.
func (b *Backend) Read(ctx context.Context, id string) ([]byte, error) {
	return b.client.ReadDocument(ctx, id)
}

// Write implements session.Backend.
func (b *Backend) Write(ctx context.Context, id string, doc []byte) error {
	return b.client.WriteDocument(ctx, id, doc)
}

// Delete implements session.Backend.
func (b *Backend) Delete(ctx context.Context, id string) error {
	return b.client.DeleteDocument(ctx, id)
}

// List implements session.Backend.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	return b.client.ListSessionIDs(ctx)
}

// Name implements health.Pinger.
func (b *Backend) Name() string { return b.client.Name() }

// Ping implements health.Pinger.
func (b *Backend) Ping(ctx context.Context) error { return b.client.Ping(ctx) }
