package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"

	"goa.design/conductor/config"
	leaseredis "goa.design/conductor/features/lease/redis"
	"goa.design/conductor/features/model/anthropic"
	"goa.design/conductor/features/model/middleware"
	"goa.design/conductor/features/model/openai"
	sessionbadger "goa.design/conductor/features/session/badger"
	sessionmongo "goa.design/conductor/features/session/mongo"
	clientsmongo "goa.design/conductor/features/session/mongo/clients/mongo"
	sessionsqlite "goa.design/conductor/features/session/sqlite"
	"goa.design/conductor/runtime/breaker"
	"goa.design/conductor/runtime/idempotency"
	"goa.design/conductor/runtime/lease"
	"goa.design/conductor/runtime/model"
	"goa.design/conductor/runtime/pipeline"
	"goa.design/conductor/runtime/ratelimit"
	"goa.design/conductor/runtime/session"
	"goa.design/conductor/runtime/session/filestore"
	"goa.design/conductor/runtime/session/inmem"
	"goa.design/conductor/runtime/telemetry"
)

// app holds the components built from a Config. Close releases them in
// reverse construction order.
type app struct {
	cfg       config.Config
	tel       telemetry.Bundle
	store     *session.Store
	lifecycle *session.Lifecycle
	guard     *idempotency.Guard
	providers *model.Providers
	pingers   []health.Pinger
	closers   []func(context.Context) error
}

// newApp builds the session store, lease locker, idempotency guard and
// provider table described by cfg. Secrets are read from the environment
// variables cfg names.
func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, tel: telemetry.Clue()}
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := a.openLocker(ctx)
	if err != nil {
		return nil, err
	}
	opts := []session.StoreOption{
		session.WithLocker(locker),
		session.WithHolder(holderID()),
		session.WithDebounce(cfg.Session.Debounce),
		session.WithLeaseTTL(cfg.Session.LeaseTTL),
		session.WithTelemetry(a.tel),
	}
	if env := cfg.Session.EncryptionSecretEnv; env != "" {
		secret := os.Getenv(env)
		if secret == "" {
			return nil, fmt.Errorf("encryption secret variable %s is not set", env)
		}
		codec, err := session.NewAESCodec([]byte(secret))
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithCodec(codec))
	}
	a.store, err = session.NewStore(backend, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Shutdown)

	a.guard = idempotency.New(
		idempotency.WithLocker(locker),
		idempotency.WithDefaultLease(cfg.Idempotency.Lease),
	)
	a.lifecycle = session.NewLifecycle(a.store, session.WithGuard(a.guard))

	a.providers, err = a.buildProviders()
	if err != nil {
		return nil, err
	}
	return a, nil
}

// executor returns a pipeline executor over the app components and the
// capabilities declared in doc.
func (a *app) executor(doc *pipeline.Document) (*pipeline.Executor, error) {
	reg, err := doc.Registry()
	if err != nil {
		return nil, err
	}
	return pipeline.New(
		pipeline.WithRegistry(reg),
		pipeline.WithProviders(a.providers),
		pipeline.WithLifecycle(a.lifecycle),
		pipeline.WithLimiter(ratelimit.New(a.cfg.RateLimits)),
		pipeline.WithBreaker(breaker.New(a.cfg.Breaker)),
		pipeline.WithGuard(a.guard),
		pipeline.WithRetryPolicy(a.cfg.Retry),
		pipeline.WithMaxConcurrency(a.cfg.Executor.MaxConcurrency),
		pipeline.WithDefaultTimeout(a.cfg.Executor.DefaultTimeout),
		pipeline.WithTelemetry(a.tel),
	)
}

// Close flushes the store and closes backends.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) openBackend(ctx context.Context) (session.Backend, error) {
	sc := a.cfg.Session
	switch sc.Backend {
	case "memory":
		return inmem.New(), nil
	case "file":
		return filestore.New(sc.Dir)
	case "badger":
		bcfg := sessionbadger.InMemoryConfig()
		if sc.BadgerDir != "" {
			bcfg = sessionbadger.DefaultConfig()
			bcfg.Path = sc.BadgerDir
		}
		bcfg.Logger = a.tel.Logger
		b, err := sessionbadger.Open(bcfg)
		if err != nil {
			return nil, err
		}
		a.pingers = append(a.pingers, b)
		a.closers = append(a.closers, func(context.Context) error { return b.Close() })
		return b, nil
	case "sqlite":
		b, err := sessionsqlite.Open(ctx, sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.pingers = append(a.pingers, b)
		a.closers = append(a.closers, func(context.Context) error { return b.Close() })
		return b, nil
	case "mongo":
		mc := sc.Mongo
		timeout := mc.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, err := mongodriver.Connect(cctx, options.Client().ApplyURI(mc.URI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, conn.Disconnect)
		client, err := clientsmongo.New(clientsmongo.Options{
			Client:     conn,
			Database:   mc.Database,
			Collection: mc.Collection,
			Timeout:    mc.Timeout,
		})
		if err != nil {
			return nil, err
		}
		b, err := sessionmongo.NewBackend(client)
		if err != nil {
			return nil, err
		}
		a.pingers = append(a.pingers, b)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", sc.Backend)
	}
}

func (a *app) openLocker(context.Context) (lease.Locker, error) {
	sc := a.cfg.Session
	switch sc.Locker {
	case "memory":
		return lease.NewArena(), nil
	case "file":
		return filestore.NewLocker(filepath.Join(sc.Dir, ".locks"), nil)
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: sc.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		l, err := leaseredis.New(leaseredis.Options{Redis: rdb})
		if err != nil {
			return nil, err
		}
		a.pingers = append(a.pingers, l)
		return l, nil
	default:
		return nil, fmt.Errorf("unknown session locker %q", sc.Locker)
	}
}

// buildProviders registers an invoker for every provider whose API key
// variable is set.
func (a *app) buildProviders() (*model.Providers, error) {
	pc := a.cfg.Providers
	byName := make(map[string]model.Invoker)
	if key := os.Getenv(pc.Anthropic.APIKeyEnv); key != "" {
		c, err := anthropic.NewFromAPIKey(key, pc.Anthropic.BaseURL, pc.Anthropic.DefaultModel)
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		byName["anthropic"] = a.throttle("anthropic", c)
	}
	if key := os.Getenv(pc.OpenAI.APIKeyEnv); key != "" {
		c, err := openai.NewFromAPIKey(key, pc.OpenAI.BaseURL, pc.OpenAI.DefaultModel)
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		byName["openai"] = a.throttle("openai", c)
	}
	return model.NewProviders(byName)
}

func (a *app) throttle(provider string, inv model.Invoker) model.Invoker {
	tpm := a.cfg.Providers.TokensPerMinute
	if tpm <= 0 {
		return inv
	}
	l := middleware.NewAdaptiveRateLimiter(middleware.Options{
		Provider:   provider,
		InitialTPM: float64(tpm),
		Logger:     a.tel.Logger,
	})
	return model.Chain(inv, l.Middleware())
}

func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "conductor"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
