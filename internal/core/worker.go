package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// RunHandle identifies one sandbox run to the backend.
type RunHandle interface {
	ExperimentID() string
}

// Runner is the execution backend. Submit must fail fast when the backend
// is unreachable; a non-zero exit from the payload is a normal Wait result,
// not an error.
type Runner interface {
	Submit(ctx context.Context, id, script string) (RunHandle, error)
	Wait(ctx context.Context, h RunHandle) (exitCode int, logs string, err error)
	Stop(ctx context.Context, h RunHandle, grace time.Duration) error
}

type WorkerOptions struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	MaxRunTime   time.Duration
	StopGrace    time.Duration
}

// Worker is the scheduler loop: it pulls the next runnable experiment,
// hands it to the sandbox and blocks until it finishes. The loop is
// deliberately serial; at most one experiment runs system-wide to bound
// resource contention on the host hardware.
type Worker struct {
	queue  *Queue
	runner Runner
	opts   WorkerOptions

	mu      sync.Mutex
	current RunHandle

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func NewWorker(queue *Queue, runner Runner, opts WorkerOptions) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	if opts.MaxRunTime <= 0 {
		opts.MaxRunTime = 1 * time.Hour
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 30 * time.Second
	}

	return &Worker{
		queue:  queue,
		runner: runner,
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run polls until the context is cancelled or Stop is called. A failing
// tick logs and backs off; it never terminates the loop.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	log.Printf("[worker] scheduler loop started (poll %s, run ceiling %s)", w.opts.PollInterval, w.opts.MaxRunTime)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[worker] context cancelled, stopping")
			return
		case <-w.stopCh:
			log.Printf("[worker] stop requested, stopping")
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				log.Printf("[worker] tick failed: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-w.stopCh:
					return
				case <-time.After(w.opts.ErrorBackoff):
				}
			}
		}
	}
}

// Stop signals the loop and waits for it to exit, bounded by timeout.
func (w *Worker) Stop(timeout time.Duration) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
	case <-time.After(timeout):
		log.Printf("[worker] shutdown wait timed out after %s", timeout)
	}
}

// StopExperiment asks the sandbox to stop the named experiment if it is the
// one currently running. Used by cancel: the queue state has already been
// flipped and teardown happens in the background.
func (w *Worker) StopExperiment(id string) {
	w.mu.Lock()
	h := w.current
	w.mu.Unlock()

	if h == nil || h.ExperimentID() != id {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.opts.StopGrace+30*time.Second)
		defer cancel()
		if err := w.runner.Stop(ctx, h, w.opts.StopGrace); err != nil {
			log.Printf("[worker] failed to stop sandbox for %s: %v", id, err)
		}
	}()
}

func (w *Worker) tick(ctx context.Context) error {
	// Global one-at-a-time invariant.
	if _, running := w.queue.RunningID(); running {
		return nil
	}

	next := w.queue.NextRunnable()
	if next == nil {
		return nil
	}

	if !w.queue.Start(next.ID) {
		// Lost a race with cancel/pause; pick it up next tick.
		return nil
	}

	handle, err := w.runner.Submit(ctx, next.ID, next.Script)
	if err != nil {
		w.queue.Complete(next.ID, -1, fmt.Sprintf("sandbox submit failed: %v", err))
		return fmt.Errorf("submit %s: %w", next.ID, err)
	}

	w.setCurrent(handle)
	defer w.setCurrent(nil)

	// A cancel may have landed while the container was being created; its
	// stop request found no registered handle, so issue the stop here.
	if rec, err := w.queue.Get(next.ID); err != nil || rec.Status != StatusRunning {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), w.opts.StopGrace+30*time.Second)
		defer stopCancel()
		if stopErr := w.runner.Stop(stopCtx, handle, w.opts.StopGrace); stopErr != nil {
			log.Printf("[worker] failed to stop cancelled sandbox for %s: %v", next.ID, stopErr)
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.opts.MaxRunTime)
	defer cancel()

	exitCode, logs, err := w.runner.Wait(waitCtx, handle)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), w.opts.StopGrace+30*time.Second)
			defer stopCancel()
			if stopErr := w.runner.Stop(stopCtx, handle, w.opts.StopGrace); stopErr != nil {
				log.Printf("[worker] failed to stop timed-out sandbox for %s: %v", next.ID, stopErr)
			}
			w.queue.Complete(next.ID, -1,
				fmt.Sprintf("experiment exceeded maximum run time of %s and was stopped", w.opts.MaxRunTime))
			return nil
		}
		if errors.Is(err, context.Canceled) {
			// Shutdown with the run in flight. Leave the record Running so
			// the startup restore requeues it; the resubmit clears the
			// leftover container.
			log.Printf("[worker] shutdown with experiment %s in flight, leaving it for restart recovery", next.ID)
			return nil
		}
		w.queue.Complete(next.ID, -1, fmt.Sprintf("sandbox wait failed: %v", err))
		return fmt.Errorf("wait %s: %w", next.ID, err)
	}

	errorMessage := ""
	if exitCode != 0 {
		errorMessage = tail(logs, 500)
		if errorMessage == "" {
			errorMessage = fmt.Sprintf("experiment exited with code %d and produced no logs", exitCode)
		}
	}
	w.queue.Complete(next.ID, exitCode, errorMessage)
	return nil
}

func (w *Worker) setCurrent(h RunHandle) {
	w.mu.Lock()
	w.current = h
	w.mu.Unlock()
}

// tail returns the last n bytes of s, trimmed, for use as a diagnostic
// excerpt.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
