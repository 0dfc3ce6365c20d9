// Package mongo provides a MongoDB-backed session.Backend. Build the
// low-level client via features/session/mongo/clients/mongo and pass it to
// NewBackend.
package mongo
