// Package launcher starts analysis workers for pending jobs.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/repolens/internal/correlation"
	"github.com/kiranshivaraju/repolens/internal/lifecycle"
	"github.com/kiranshivaraju/repolens/internal/store"
	"github.com/kiranshivaraju/repolens/pkg/models"
	"golang.org/x/sync/semaphore"
)

var ErrShuttingDown = errors.New("launcher is shutting down")

const (
	storeTimeout        = 10 * time.Second
	defaultReapInterval = 15 * time.Second
)

// Options configures a Launcher.
type Options struct {
	CallbackURL   string
	MaxConcurrent int64
	Signer        *correlation.Signer
	// ReapInterval is how often a running worker's job is checked for a
	// terminal status.
	ReapInterval time.Duration
}

// Launcher hands jobs to workers. Launch returns immediately; the worker is
// started and reaped in the background.
type Launcher struct {
	builder   CommandBuilder
	runner    *Runner
	store     store.Store
	finalizer *lifecycle.Finalizer
	opts      Options
	slots     *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	// starting counts jobs not yet handed to a worker process.
	starting sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(builder CommandBuilder, st store.Store, f *lifecycle.Finalizer, opts Options) *Launcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = defaultReapInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Launcher{
		builder:   builder,
		runner:    NewRunner(),
		store:     st,
		finalizer: f,
		opts:      opts,
		slots:     semaphore.NewWeighted(opts.MaxConcurrent),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Launch schedules a worker for the job. It only fails once Shutdown has been called.
func (l *Launcher) Launch(job *models.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrShuttingDown
	}
	l.starting.Add(1)
	go func() {
		w := l.start(job)
		l.starting.Done()
		if w != nil {
			l.reap(w)
		}
	}()
	return nil
}

// worker is a started process holding one concurrency slot.
type worker struct {
	id      uuid.UUID
	proc    *Process
	cleanup func()
	release func()
}

// start waits for a slot and starts the worker. It returns nil once the job
// has been failed instead.
func (l *Launcher) start(job *models.Job) *worker {
	id := job.CorrelationID
	log := slog.With("correlation_id", id)

	if err := l.slots.Acquire(l.ctx, 1); err != nil {
		l.fail(job, fmt.Errorf("server shutting down before worker start: %w", err))
		return nil
	}
	release := sync.OnceFunc(func() { l.slots.Release(1) })

	cmd, err := l.builder.Build(Invocation{
		CorrelationID: id,
		RepositoryRef: job.RepositoryRef,
		CallbackURL:   l.opts.CallbackURL,
		CallbackToken: l.opts.Signer.Token(id),
	})
	if err != nil {
		release()
		l.fail(job, fmt.Errorf("build worker command: %w", err))
		return nil
	}

	proc, err := l.runner.Start(cmd, func(stream, line string) {
		log.Debug("worker output", "stream", stream, "line", line)
	})
	if err != nil {
		release()
		if cmd.Cleanup != nil {
			cmd.Cleanup()
		}
		l.fail(job, err)
		return nil
	}
	log.Info("worker started", "pid", proc.PID(), "command", cmd.Path)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	err = l.store.TransitionToRunning(ctx, id)
	cancel()
	switch {
	case errors.Is(err, store.ErrAlreadyTerminal):
		log.Debug("job finished before running transition")
	case err != nil:
		log.Error("mark job running failed", "error", err)
	}

	return &worker{id: id, proc: proc, cleanup: cmd.Cleanup, release: release}
}

// reap waits for the worker to exit. Once its job is terminal the slot is
// freed and the process is asked to stop, so a worker that lingers after its
// callback does not hold up queued jobs. Polling ends at Shutdown; the exit
// is still awaited.
func (l *Launcher) reap(w *worker) {
	log := slog.With("correlation_id", w.id)
	defer w.release()
	if w.cleanup != nil {
		defer w.cleanup()
	}

	ticker := time.NewTicker(l.opts.ReapInterval)
	defer ticker.Stop()
	poll, stopping := ticker.C, l.ctx.Done()

	for {
		select {
		case res := <-w.proc.Done():
			if res.Err != nil {
				log.Error("worker wait failed", "error", res.Err)
				return
			}
			// the callback alone decides the outcome; a non-zero exit is diagnostic only
			log.Info("worker exited",
				"exit_code", res.ExitCode,
				"duration_ms", res.Stopped.Sub(res.Started).Milliseconds(),
			)
			return
		case <-stopping:
			poll, stopping = nil, nil
		case <-poll:
			if !l.jobTerminal(w.id) {
				continue
			}
			poll = nil
			w.release()
			log.Info("job finished, stopping worker", "pid", w.proc.PID())
			if err := w.proc.Stop(); err != nil {
				log.Warn("stop worker failed", "pid", w.proc.PID(), "error", err)
			}
		}
	}
}

func (l *Launcher) jobTerminal(id uuid.UUID) bool {
	ctx, cancel := context.WithTimeout(l.ctx, storeTimeout)
	defer cancel()
	job, err := l.store.GetJob(ctx, id)
	if err != nil {
		if l.ctx.Err() == nil {
			slog.Warn("check worker job failed", "correlation_id", id, "error", err)
		}
		return false
	}
	return job.Terminal()
}

func (l *Launcher) fail(job *models.Job, cause error) {
	msg := "launch failed: " + cause.Error()
	slog.Error("worker launch failed", "correlation_id", job.CorrelationID, "error", cause)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, _, err := l.finalizer.Finalize(ctx, job.CorrelationID, lifecycle.Failed(msg, nil)); err != nil {
		slog.Error("record launch failure failed", "correlation_id", job.CorrelationID, "error", err)
	}
}

// Shutdown refuses new launches and waits until every accepted job has either
// a started worker or a failed status. Once ctx expires, jobs still waiting
// for a slot are failed and Shutdown returns ctx.Err() after recording them;
// each remaining store write is bounded by storeTimeout. Running worker
// processes are not waited for; their callbacks finish the jobs.
func (l *Launcher) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.starting.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.cancel()
		return nil
	case <-ctx.Done():
		l.cancel()
		<-done
		return ctx.Err()
	}
}
