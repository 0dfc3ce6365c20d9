// Package badger provides a session.Backend on an embedded BadgerDB. Each
// session document is one key under the "session/" prefix.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"goa.design/conductor/runtime/session"
	"goa.design/conductor/runtime/telemetry"
)

const keyPrefix = "session/"

type (
	// Config configures the database.
	Config struct {
		// Path is the data directory. Required unless InMemory is set.
		Path string
		// InMemory keeps all data in memory.
		InMemory bool
		// SyncWrites fsyncs every commit.
		SyncWrites bool
		// GCInterval is how often value log GC runs. Zero disables GC.
		GCInterval time.Duration
		// GCDiscardRatio is passed to RunValueLogGC.
		GCDiscardRatio float64
		// Logger receives badger's internal logs. Nil silences them.
		Logger telemetry.Logger
	}

	// Backend is a session.Backend over a BadgerDB.
	Backend struct {
		db     *badger.DB
		stop   chan struct{}
		done   chan struct{}
		logger telemetry.Logger
	}

	badgerLogger struct {
		logger telemetry.Logger
	}
)

// DefaultConfig returns a persistent configuration; set Path before use.
func DefaultConfig() Config {
	return Config{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Open opens the database and starts value log GC when configured.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for a persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	b := &Backend{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.stop = make(chan struct{})
		b.done = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

// Read implements session.Backend.
func (b *Backend) Read(_ context.Context, id string) ([]byte, error) {
	var doc []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			return err
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, session.ErrNotFound
	}
	return doc, err
}

// Write implements session.Backend.
func (b *Backend) Write(_ context.Context, id string, doc []byte) error {
	if id == "" {
		return errors.New("badger: session id is required")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(id), doc)
	})
}

// Delete implements session.Backend.
func (b *Backend) Delete(_ context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(id))
	})
}

// List implements session.Backend. Keys iterate in byte order so ids come
// back sorted.
func (b *Backend) List(context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return ids, err
}

// Name implements health.Pinger.
func (b *Backend) Name() string { return "session-badger" }

// Ping implements health.Pinger.
func (b *Backend) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// Close stops GC and closes the database.
func (b *Backend) Close() error {
	if b.stop != nil {
		close(b.stop)
		<-b.done
	}
	return b.db.Close()
}

func (b *Backend) runGC(interval time.Duration, ratio float64) {
	defer close(b.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && b.logger != nil {
				b.logger.Warn(context.Background(), "badger value log GC failed", "err", err)
			}
		}
	}
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(context.Background(), fmt.Sprintf(format, args...))
}
