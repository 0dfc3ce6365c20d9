// Package inmem provides an in-memory session.Backend for tests and
// single-process tools.
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/conductor/runtime/session"
)

// Backend stores documents in a map guarded by a RWMutex.
type Backend struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	writes map[string]int
	fail   error
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{docs: make(map[string][]byte), writes: make(map[string]int)}
}

// Read implements session.Backend.
func (b *Backend) Read(_ context.Context, id string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.docs[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

// Write implements session.Backend.
func (b *Backend) Write(_ context.Context, id string, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.docs[id] = append([]byte(nil), doc...)
	b.writes[id]++
	return nil
}

// Delete implements session.Backend.
func (b *Backend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, id)
	return nil
}

// List implements session.Backend.
func (b *Backend) List(context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.docs))
	for id := range b.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Writes returns how many times id was written.
func (b *Backend) Writes(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes[id]
}

// Put stores a raw document, bypassing codecs. Used to seed corrupt data.
func (b *Backend) Put(id string, doc []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[id] = append([]byte(nil), doc...)
}

// FailWrites makes every Write return err until called again with nil.
func (b *Backend) FailWrites(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = err
}
