// Package jobs is the job lifecycle manager. It records submissions in the
// store, runs each job on its own goroutine, drives the
// PENDING -> RUNNING -> SUCCESS|FAILED transitions and emits completion
// metrics exactly once per job, atomically with its terminal transition.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/example/automation-gateway/internal/model"
	"github.com/example/automation-gateway/internal/store"
)

var ErrShuttingDown = errors.New("job manager is shutting down")

// Store is the job table the manager owns records in.
type Store interface {
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	MutateJob(ctx context.Context, id string, fn func(*model.Job) error) (model.Job, error)
	ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error)
	CountByStatus(status model.JobStatus) int
	Observe(fn store.CountObserver)
}

// Executor performs the automation work for an action.
type Executor interface {
	Supports(action model.Action) bool
	Timeout(action model.Action) time.Duration
	Execute(ctx context.Context, action model.Action, target string, params map[string]any) error
}

// Sink receives lifecycle metrics.
type Sink interface {
	IncCompletion(action model.Action, status model.JobStatus)
	ObserveDuration(action model.Action, seconds float64)
	SetPending(n int)
}

// Archive holds jobs evicted from the store. Optional.
type Archive interface {
	GetJob(ctx context.Context, id string) (model.Job, error)
}

// SubmitRequest is one automation request.
type SubmitRequest struct {
	Action      model.Action
	Target      string
	RequestedBy string
	Parameters  map[string]any
}

type Manager struct {
	store    Store
	executor Executor
	sink     Sink
	archive  Archive
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string

	// slots bounds concurrent executions; nil means unbounded.
	slots chan struct{}

	mu     sync.RWMutex
	closed bool
	tasks  conc.WaitGroup
}

type Option func(*Manager)

// WithMaxConcurrency caps how many jobs execute at once. Jobs beyond the cap
// stay PENDING until a slot frees. n <= 0 means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.slots = make(chan struct{}, n)
		} else {
			m.slots = nil
		}
	}
}

func WithArchive(a Archive) Option {
	return func(m *Manager) { m.archive = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer("github.com/example/automation-gateway/internal/jobs") }
}

// WithClock sets the wall clock used for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// NewManager wires the manager to st and subscribes the pending gauge to the
// store's PENDING count, so the gauge moves with every transition.
func NewManager(st Store, executor Executor, sink Sink, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		executor: executor,
		sink:     sink,
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer(""),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	st.Observe(func(status model.JobStatus, n int) {
		if status == model.JobPending {
			sink.SetPending(n)
		}
	})
	return m
}

// Submit records a PENDING job and schedules its execution. It returns as
// soon as the job is stored; execution outcomes never surface here.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if !m.executor.Supports(req.Action) {
		return "", fmt.Errorf("%w: %s", model.ErrUnsupportedAction, req.Action)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrShuttingDown
	}

	params := maps.Clone(req.Parameters)
	if params == nil {
		params = map[string]any{}
	}
	job := model.Job{
		ID:          m.newID(),
		Action:      req.Action,
		Target:      req.Target,
		RequestedBy: req.RequestedBy,
		Parameters:  params,
		Status:      model.JobPending,
		CreatedAt:   m.now(),
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, model.ErrDuplicateID) {
			m.logger.Error("job id collision",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		return "", fmt.Errorf("create job: %w", err)
	}

	m.logger.Debug("job submitted",
		slog.String("job_id", job.ID),
		slog.String("action", string(job.Action)),
		slog.String("target", job.Target),
	)
	id := job.ID
	m.tasks.Go(func() { m.run(id) })
	return id, nil
}

// Get returns the current view of a job, consulting the archive for jobs
// that have been evicted from the store.
func (m *Manager) Get(ctx context.Context, id string) (model.JobView, error) {
	job, err := m.store.GetJob(ctx, id)
	if errors.Is(err, model.ErrNotFound) && m.archive != nil {
		job, err = m.archive.GetJob(ctx, id)
	}
	if err != nil {
		return model.JobView{}, err
	}
	return job.View(), nil
}

func (m *Manager) List(ctx context.Context, status *model.JobStatus, limit int) ([]model.JobView, error) {
	jobs, err := m.store.ListJobs(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.View())
	}
	return out, nil
}

// Pending returns the number of jobs waiting to start.
func (m *Manager) Pending() int {
	return m.store.CountByStatus(model.JobPending)
}

// Shutdown stops accepting submissions and waits for in-flight jobs. Jobs
// are never cancelled; if ctx ends first its error is returned and the
// remaining jobs keep running until their own timeouts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("job manager drained")
		return nil
	case <-ctx.Done():
		m.logger.Warn("job manager shutdown timed out with jobs in flight",
			slog.Int("running", m.store.CountByStatus(model.JobRunning)),
			slog.Int("pending", m.store.CountByStatus(model.JobPending)),
		)
		return ctx.Err()
	}
}

func (m *Manager) run(id string) {
	if m.slots != nil {
		m.slots <- struct{}{}
		defer func() { <-m.slots }()
	}

	ctx, span := m.tracer.Start(context.Background(), "automation.job", trace.WithAttributes(
		attribute.String("job.id", id),
	))
	defer span.End()

	job, err := m.store.MutateJob(ctx, id, func(j *model.Job) error {
		return j.Transition(model.JobRunning, m.now(), "")
	})
	if err != nil {
		m.invariantViolated(span, id, "start", err)
		return
	}
	span.SetAttributes(
		attribute.String("job.action", string(job.Action)),
		attribute.String("job.target", job.Target),
	)

	start := time.Now()
	execErr := m.execute(ctx, job)
	elapsed := time.Since(start).Seconds()

	status, errText := model.JobSuccess, ""
	if execErr != nil {
		status, errText = model.JobFailed, execErr.Error()
	}
	// Metrics are recorded inside the commit, under the record lock, so a
	// reader never sees the terminal status before it has been counted.
	if _, err := m.store.MutateJob(ctx, id, func(j *model.Job) error {
		if err := j.Transition(status, m.now(), errText); err != nil {
			return err
		}
		m.sink.IncCompletion(job.Action, status)
		m.sink.ObserveDuration(job.Action, elapsed)
		return nil
	}); err != nil {
		m.invariantViolated(span, id, "finish", err)
		return
	}

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, errText)
		m.logger.Info("job failed",
			slog.String("job_id", id),
			slog.String("action", string(job.Action)),
			slog.Float64("duration_seconds", elapsed),
			slog.String("error", errText),
		)
		return
	}
	span.SetStatus(codes.Ok, "")
	m.logger.Info("job succeeded",
		slog.String("job_id", id),
		slog.String("action", string(job.Action)),
		slog.Float64("duration_seconds", elapsed),
	)
}

// execute runs the executor under the action timeout. The timeout is enforced
// here as well, so a runner that ignores ctx still yields a FAILED job on time.
// Panics in the runner are recovered and reported as failures.
func (m *Manager) execute(ctx context.Context, job model.Job) error {
	timeout := m.executor.Timeout(job.Action)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		var pc panics.Catcher
		pc.Try(func() {
			err = m.executor.Execute(ctx, job.Action, job.Target, job.Parameters)
		})
		if r := pc.Recovered(); r != nil {
			err = fmt.Errorf("%s panicked: %w", job.Action, r.AsError())
		}
		done <- err
	}()

	timedOut := func() error {
		return fmt.Errorf("%s %w after %s", job.Action, model.ErrExecutionTimeout, timeout)
	}
	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timedOut()
		}
		return err
	case <-ctx.Done():
		return timedOut()
	}
}

func (m *Manager) invariantViolated(span trace.Span, id, phase string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Error("job lifecycle invariant violated",
		slog.String("job_id", id),
		slog.String("phase", phase),
		slog.String("error", err.Error()),
	)
}
