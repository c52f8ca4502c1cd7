// Package retention evicts finished jobs from the in-memory store once they
// are older than a TTL, archiving them first when an archive is configured.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/automation-gateway/internal/model"
)

// Store is the subset of the job store the janitor needs.
type Store interface {
	FinishedBefore(cutoff time.Time) []model.Job
	Delete(ids ...string) int
}

// Archiver persists evicted jobs.
type Archiver interface {
	ArchiveJobs(ctx context.Context, jobs []model.Job) error
}

type Janitor struct {
	store    Store
	archive  Archiver
	ttl      time.Duration
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

type Option func(*Janitor)

func WithArchive(a Archiver) Option {
	return func(j *Janitor) { j.archive = a }
}

// WithSchedule sets the cron spec sweeps run on. Standard five-field specs
// and descriptors such as "@every 30s" are accepted.
func WithSchedule(spec string) Option {
	return func(j *Janitor) { j.schedule = spec }
}

func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

func New(st Store, ttl time.Duration, opts ...Option) *Janitor {
	j := &Janitor{
		store:    st,
		ttl:      ttl,
		schedule: "@every 1m",
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules sweeps. It returns an error for an invalid schedule.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(context.Background()); err != nil {
			j.logger.Error("retention sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("retention schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.cron = c
	j.logger.Info("retention janitor started",
		slog.String("schedule", j.schedule),
		slog.Duration("ttl", j.ttl),
	)
	return nil
}

// Stop halts scheduling and waits for a running sweep, or for ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep evicts every terminal job that finished more than ttl ago and returns
// how many were removed. When archiving fails nothing is evicted.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j.ttl <= 0 {
		return 0, nil
	}
	stale := j.store.FinishedBefore(j.now().Add(-j.ttl))
	if len(stale) == 0 {
		return 0, nil
	}

	if j.archive != nil {
		if err := j.archive.ArchiveJobs(ctx, stale); err != nil {
			return 0, fmt.Errorf("archive %d jobs: %w", len(stale), err)
		}
	}

	ids := make([]string, len(stale))
	for i, job := range stale {
		ids[i] = job.ID
	}
	removed := j.store.Delete(ids...)
	j.logger.Info("evicted finished jobs",
		slog.Int("count", removed),
		slog.Bool("archived", j.archive != nil),
	)
	return removed, nil
}
