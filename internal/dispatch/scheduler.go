// Package dispatch sends a roster in paced concurrent waves and records the outcome on a job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/ordermail/internal/job"
	"github.com/foxzi/ordermail/internal/metrics"
	"github.com/foxzi/ordermail/internal/roster"
)

const (
	// Concurrency is the number of deliveries in flight per wave
	Concurrency = 10
	// WaveDelay is the pause between consecutive waves
	WaveDelay = 2 * time.Second
)

var (
	// ErrTransport wraps relay verification failures. No job is created.
	ErrTransport = errors.New("transport verification failed")
	// ErrShuttingDown is returned for submissions after Shutdown
	ErrShuttingDown = errors.New("dispatcher is shutting down")
	// ErrJobTimeout is the failure cause of a job that ran past its deadline
	ErrJobTimeout = errors.New("job deadline exceeded")
)

// Sender performs one delivery attempt for a recipient group
type Sender interface {
	Send(ctx context.Context, group *roster.RecipientGroup) (deliveryID string, err error)
}

// Verifier checks that the transport is usable before a batch starts
type Verifier interface {
	Verify(ctx context.Context) error
}

// Mailer is both a Sender and a Verifier
type Mailer interface {
	Sender
	Verifier
}

// Options configures scheduler timeouts
type Options struct {
	DeliveryTimeout time.Duration // 0 = no per-delivery deadline
	JobTimeout      time.Duration // 0 = no per-job deadline
}

// Scheduler runs batches against a mailer
type Scheduler struct {
	mailer   Mailer
	registry *job.Registry
	opts     Options
	logger   *slog.Logger

	waveDelay time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a scheduler that registers async jobs in registry
func New(mailer Mailer, registry *job.Registry, opts Options, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Scheduler{
		mailer:    mailer,
		registry:  registry,
		opts:      opts,
		logger:    logger.With("component", "dispatch"),
		waveDelay: WaveDelay,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handle tracks a submitted job
type Handle struct {
	job  *job.Job
	done chan struct{}
}

// Job returns the registered job
func (h *Handle) Job() *job.Job {
	return h.job
}

// Done is closed once the job reaches a terminal state
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job finishes or ctx is done and returns the latest snapshot
func (h *Handle) Wait(ctx context.Context) (job.Snapshot, error) {
	select {
	case <-h.done:
		return h.job.Snapshot(), nil
	case <-ctx.Done():
		return h.job.Snapshot(), ctx.Err()
	}
}

// acquire reserves a slot in the running set
func (s *Scheduler) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShuttingDown
	}
	s.wg.Add(1)
	return nil
}

func (s *Scheduler) verify(ctx context.Context) error {
	if err := s.mailer.Verify(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// Submit verifies the transport, registers a job and sends the roster in the background.
// ctx bounds only the verification; the batch outlives the caller.
func (s *Scheduler) Submit(ctx context.Context, source string, r *roster.Roster) (*Handle, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}

	if err := s.verify(ctx); err != nil {
		s.wg.Done()
		return nil, err
	}

	j := s.registry.Create(source, r.Len())
	h := &Handle{job: j, done: make(chan struct{})}

	s.logger.Info("job submitted", "job_id", j.ID(), "source", source, "recipients", r.Len())

	go func() {
		defer s.wg.Done()
		defer close(h.done)

		ctx, cancel := s.jobContext(s.ctx)
		defer cancel()

		s.execute(ctx, j, r.Groups())
	}()

	return h, nil
}

// Run verifies the transport and sends the roster synchronously on an unregistered job.
// The returned snapshot is terminal unless verification failed.
func (s *Scheduler) Run(ctx context.Context, source string, r *roster.Roster) (job.Snapshot, error) {
	if err := s.acquire(); err != nil {
		return job.Snapshot{}, err
	}
	defer s.wg.Done()

	if err := s.verify(ctx); err != nil {
		return job.Snapshot{}, err
	}

	// Cancelled by the caller or by a forced shutdown
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	defer stop()

	jobCtx, cancelJob := s.jobContext(runCtx)
	defer cancelJob()

	j := job.New(source, r.Len())
	s.execute(jobCtx, j, r.Groups())
	return j.Snapshot(), nil
}

func (s *Scheduler) jobContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.opts.JobTimeout > 0 {
		return context.WithTimeoutCause(parent, s.opts.JobTimeout, ErrJobTimeout)
	}
	return context.WithCancel(parent)
}

// execute drives the job from pending to a terminal state
func (s *Scheduler) execute(ctx context.Context, j *job.Job, groups []*roster.RecipientGroup) {
	logger := s.logger.With("job_id", j.ID())

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("dispatch panicked", "panic", rec, "stack", string(debug.Stack()))
			s.finish(j, fmt.Errorf("internal error: %v", rec), logger)
		}
	}()

	j.Begin()
	err := s.runWaves(ctx, j, groups, logger)
	s.finish(j, err, logger)
}

func (s *Scheduler) finish(j *job.Job, err error, logger *slog.Logger) {
	if err != nil {
		if !j.Fail(err) {
			return
		}
		metrics.IncJobsFinished(string(job.StatusFailed))
		snap := j.Snapshot()
		logger.Error("job failed",
			"error", err,
			"sent", snap.Progress.Sent,
			"failed", snap.Progress.Failed,
			"total", snap.Progress.Total,
		)
		return
	}

	if !j.Complete() {
		return
	}
	metrics.IncJobsFinished(string(job.StatusCompleted))
	snap := j.Snapshot()
	logger.Info("job completed",
		"sent", snap.Progress.Sent,
		"failed", snap.Progress.Failed,
		"total", snap.Progress.Total,
		"duration", snap.Duration().Round(time.Millisecond),
	)
}

// runWaves sends consecutive waves, pausing between them
func (s *Scheduler) runWaves(ctx context.Context, j *job.Job, groups []*roster.RecipientGroup, logger *slog.Logger) error {
	waves := Partition(groups, Concurrency)

	for i, wave := range waves {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}

		logger.Debug("starting wave", "wave", i+1, "waves", len(waves), "size", len(wave))
		s.runWave(ctx, j, wave, logger)
		metrics.IncWaves()

		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		if i == len(waves)-1 {
			break
		}

		timer := time.NewTimer(s.waveDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return interrupted(ctx)
		case <-timer.C:
		}
	}

	return nil
}

func interrupted(ctx context.Context) error {
	return fmt.Errorf("dispatch interrupted: %w", context.Cause(ctx))
}

// runWave issues every delivery of the wave concurrently and waits for all of them
func (s *Scheduler) runWave(ctx context.Context, j *job.Job, wave []*roster.RecipientGroup, logger *slog.Logger) {
	var g errgroup.Group
	for _, group := range wave {
		g.Go(func() error {
			s.deliver(ctx, j, group, logger)
			return nil
		})
	}
	g.Wait()
}

// deliver performs one attempt and records exactly one outcome
func (s *Scheduler) deliver(ctx context.Context, j *job.Job, group *roster.RecipientGroup, logger *slog.Logger) {
	start := time.Now()
	id, err := s.send(ctx, group)
	elapsed := time.Since(start)

	if err != nil {
		metrics.ObserveDelivery(metrics.OutcomeFailed, elapsed)
		logger.Warn("delivery failed", "email", group.Email, "orders", group.OrderCount(), "retryable", job.Retryable(err), "error", err)
	} else {
		metrics.ObserveDelivery(metrics.OutcomeSuccess, elapsed)
		logger.Debug("delivery succeeded", "email", group.Email, "orders", group.OrderCount(), "message_id", id)
	}

	j.Record(group, id, err)
}

// send calls the mailer under the delivery deadline; a panic becomes an error
func (s *Scheduler) send(ctx context.Context, group *roster.RecipientGroup) (id string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			id = ""
			err = fmt.Errorf("sender panic: %v", rec)
		}
	}()

	if s.opts.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DeliveryTimeout)
		defer cancel()
	}

	return s.mailer.Send(ctx, group)
}

// Shutdown stops accepting work and waits for running batches.
// When ctx expires first, running batches are cancelled and end failed.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel(ErrShuttingDown)
		return nil
	case <-ctx.Done():
		s.logger.Warn("cancelling running jobs")
		s.cancel(ErrShuttingDown)
		<-done
		return ctx.Err()
	}
}

// Partition splits groups into consecutive chunks of at most size
func Partition(groups []*roster.RecipientGroup, size int) [][]*roster.RecipientGroup {
	if size <= 0 {
		size = 1
	}
	waves := make([][]*roster.RecipientGroup, 0, (len(groups)+size-1)/size)
	for start := 0; start < len(groups); start += size {
		end := min(start+size, len(groups))
		waves = append(waves, groups[start:end])
	}
	return waves
}
