package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"goa.design/conductor/runtime/clock"
	"goa.design/conductor/runtime/telemetry"
)

type (
	// RetentionConfig controls session housekeeping.
	RetentionConfig struct {
		// ArchiveAfter is how long a terminal session stays completed/failed
		// before it is archived.
		ArchiveAfter time.Duration `yaml:"archive_after" validate:"gt=0"`
		// RetainFor is how long after it ended a session is kept before it
		// is purged.
		RetainFor time.Duration `yaml:"retain_for" validate:"gtefield=ArchiveAfter"`
		// MaxCount caps the number of stored sessions. When exceeded the
		// oldest archived sessions are purged first. Zero disables the cap.
		MaxCount int `yaml:"max_count" validate:"gte=0"`
		// Interval is the period between sweeps in Run.
		Interval time.Duration `yaml:"interval" validate:"gt=0"`
	}

	// Sweeper archives and purges sessions according to a RetentionConfig.
	// Archiving is the only way a session enters StatusArchived.
	Sweeper struct {
		store *Store
		cfg   RetentionConfig
		clock clock.Clock
		log   telemetry.Logger
	}

	// SweepReport lists what a sweep did.
	SweepReport struct {
		Archived []string
		Purged   []string
		// Corrupt lists sessions that could not be read. They are left in
		// place.
		Corrupt []string
		// Skipped lists sessions held by another writer.
		Skipped []string
	}
)

// DefaultRetention archives after 7 days, purges after 30, keeps at most 100
// sessions and sweeps hourly.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		ArchiveAfter: 7 * 24 * time.Hour,
		RetainFor:    30 * 24 * time.Hour,
		MaxCount:     100,
		Interval:     time.Hour,
	}
}

// NewSweeper returns a Sweeper over store.
func NewSweeper(store *Store, cfg RetentionConfig, log telemetry.Logger) *Sweeper {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Sweeper{store: store, cfg: cfg, clock: store.clock, log: log}
}

// Sweep runs one housekeeping pass.
func (w *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	ids, err := w.store.List(ctx)
	if err != nil {
		return report, err
	}
	now := w.clock.Now()
	var kept []*Session
	var errs []error
	for _, id := range ids {
		s, err := w.store.Load(ctx, id)
		if err != nil {
			if IsCorrupt(err) {
				w.log.Warn(ctx, "skipping corrupt session", "session", id, "err", err)
				report.Corrupt = append(report.Corrupt, id)
				continue
			}
			if errors.Is(err, ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if !s.Status.Terminal() {
			kept = append(kept, s)
			continue
		}
		age := now.Sub(s.LastActivity())
		switch {
		case w.cfg.RetainFor > 0 && age >= w.cfg.RetainFor:
			if err := w.purge(ctx, s.ID, &report); err != nil {
				errs = append(errs, err)
			}
		case s.Status != StatusArchived && w.cfg.ArchiveAfter > 0 && age >= w.cfg.ArchiveAfter:
			archived, err := w.archive(ctx, s, &report)
			if err != nil {
				errs = append(errs, err)
			}
			kept = append(kept, archived)
		default:
			kept = append(kept, s)
		}
	}

	if w.cfg.MaxCount > 0 && len(kept)+len(report.Corrupt) > w.cfg.MaxCount {
		excess := len(kept) + len(report.Corrupt) - w.cfg.MaxCount
		var archived []*Session
		for _, s := range kept {
			if s.Status == StatusArchived {
				archived = append(archived, s)
			}
		}
		sort.Slice(archived, func(i, j int) bool {
			return archived[i].LastActivity().Before(archived[j].LastActivity())
		})
		for i := 0; i < len(archived) && excess > 0; i++ {
			if err := w.purge(ctx, archived[i].ID, &report); err != nil {
				errs = append(errs, err)
				continue
			}
			excess--
		}
	}
	return report, errors.Join(errs...)
}

// Run sweeps every Interval until ctx is done.
func (w *Sweeper) Run(ctx context.Context) error {
	for {
		report, err := w.Sweep(ctx)
		if err != nil {
			w.log.Error(ctx, "session sweep failed", "err", err)
		} else if len(report.Archived)+len(report.Purged) > 0 {
			w.log.Info(ctx, "session sweep", "archived", len(report.Archived), "purged", len(report.Purged))
		}
		if err := w.clock.Sleep(ctx, w.cfg.Interval); err != nil {
			return err
		}
	}
}

func (w *Sweeper) archive(ctx context.Context, s *Session, report *SweepReport) (*Session, error) {
	if err := w.store.Acquire(ctx, s.ID); err != nil {
		if errors.Is(err, ErrLocked) {
			report.Skipped = append(report.Skipped, s.ID)
			return s, nil
		}
		return s, err
	}
	s.Status = StatusArchived
	s.UpdatedAt = normalize(w.clock.Now())
	w.store.Save(s)
	if err := w.store.Release(ctx, s.ID); err != nil {
		return s, fmt.Errorf("archive %s: %w", s.ID, err)
	}
	report.Archived = append(report.Archived, s.ID)
	return s, nil
}

func (w *Sweeper) purge(ctx context.Context, id string, report *SweepReport) error {
	if err := w.store.Acquire(ctx, id); err != nil {
		if errors.Is(err, ErrLocked) {
			report.Skipped = append(report.Skipped, id)
			return nil
		}
		return err
	}
	if err := w.store.Delete(ctx, id); err != nil {
		if rerr := w.store.Release(ctx, id); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return fmt.Errorf("purge %s: %w", id, err)
	}
	report.Purged = append(report.Purged, id)
	return nil
}
