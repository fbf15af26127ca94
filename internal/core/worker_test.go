package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeHandle struct {
	id string
}

func (h *fakeHandle) ExperimentID() string { return h.id }

// fakeRunner scripts one run at a time: exit code, logs, and injected
// errors for Submit and Wait. submitHook fires after a successful Submit,
// before the handle is returned to the worker.
type fakeRunner struct {
	mu sync.Mutex

	submitErr  error
	waitErr    error
	exitCode   int
	logs       string
	blockWait  bool
	submitHook func(id string)

	submitted []string
	stopped   []string
	waitCalls int
}

func (r *fakeRunner) Submit(ctx context.Context, id, script string) (RunHandle, error) {
	r.mu.Lock()
	if r.submitErr != nil {
		r.mu.Unlock()
		return nil, r.submitErr
	}
	r.submitted = append(r.submitted, id)
	hook := r.submitHook
	r.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return &fakeHandle{id: id}, nil
}

func (r *fakeRunner) Wait(ctx context.Context, h RunHandle) (int, string, error) {
	r.mu.Lock()
	r.waitCalls++
	blockWait := r.blockWait
	waitErr := r.waitErr
	exitCode, logs := r.exitCode, r.logs
	r.mu.Unlock()

	if blockWait {
		<-ctx.Done()
		return 0, "", ctx.Err()
	}
	if waitErr != nil {
		return 0, "", waitErr
	}
	return exitCode, logs, nil
}

func (r *fakeRunner) Stop(ctx context.Context, h RunHandle, grace time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, h.ExperimentID())
	return nil
}

func (r *fakeRunner) stoppedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}

func newWorkerFixture(t *testing.T, runner *fakeRunner, opts WorkerOptions) (*Worker, *Queue) {
	t.Helper()
	q := NewQueue(&memStore{}, QueueOptions{})
	return NewWorker(q, runner, opts), q
}

func TestTickRunsNextExperimentToCompletion(t *testing.T) {
	runner := &fakeRunner{exitCode: 0, logs: "all good"}
	w, q := newWorkerFixture(t, runner, WorkerOptions{})

	id := mustEnqueue(t, q, "u1")

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	rec, _ := q.Get(id)
	if rec.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if rec.ErrorMessage != "" {
		t.Fatalf("successful run should not carry an error message, got %q", rec.ErrorMessage)
	}
	if len(runner.submitted) != 1 || runner.submitted[0] != id {
		t.Fatalf("unexpected submissions: %v", runner.submitted)
	}
}

func TestTickRecordsFailureWithLogExcerpt(t *testing.T) {
	runner := &fakeRunner{exitCode: 3, logs: "Traceback (most recent call last):\nValueError: bad input\n"}
	w, q := newWorkerFixture(t, runner, WorkerOptions{})

	id := mustEnqueue(t, q, "u1")

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	rec, _ := q.Get(id)
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 3 {
		t.Fatalf("exit code not recorded: %v", rec.ExitCode)
	}
	if !strings.Contains(rec.ErrorMessage, "ValueError: bad input") {
		t.Fatalf("expected log excerpt in error message, got %q", rec.ErrorMessage)
	}
}

func TestTickSubmitErrorFailsExperimentAndBubblesUp(t *testing.T) {
	runner := &fakeRunner{submitErr: errors.New("docker daemon unreachable")}
	w, q := newWorkerFixture(t, runner, WorkerOptions{})

	id := mustEnqueue(t, q, "u1")

	err := w.tick(context.Background())
	if err == nil {
		t.Fatal("expected tick to return the submit error for backoff")
	}

	rec, _ := q.Get(id)
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if !strings.Contains(rec.ErrorMessage, "sandbox submit failed") {
		t.Fatalf("unexpected error message: %q", rec.ErrorMessage)
	}
}

func TestTickEnforcesRunCeiling(t *testing.T) {
	runner := &fakeRunner{blockWait: true}
	w, q := newWorkerFixture(t, runner, WorkerOptions{MaxRunTime: 50 * time.Millisecond})

	id := mustEnqueue(t, q, "u1")

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("timeout tick should not propagate an error: %v", err)
	}

	rec, _ := q.Get(id)
	if rec.Status != StatusFailed {
		t.Fatalf("expected failed after timeout, got %s", rec.Status)
	}
	if !strings.Contains(rec.ErrorMessage, "maximum run time") {
		t.Fatalf("unexpected error message: %q", rec.ErrorMessage)
	}
	stopped := runner.stoppedIDs()
	if len(stopped) != 1 || stopped[0] != id {
		t.Fatalf("expected sandbox stop for %s, got %v", id, stopped)
	}
}

func TestShutdownLeavesInFlightExperimentForRecovery(t *testing.T) {
	runner := &fakeRunner{blockWait: true}
	w, q := newWorkerFixture(t, runner, WorkerOptions{})

	id := mustEnqueue(t, q, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.tick(ctx) }()

	deadline := time.Now().Add(time.Second)
	for {
		if _, running := q.RunningID(); running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("experiment never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown tick should not surface an error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("tick did not return after cancel")
	}

	rec, err := q.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != StatusRunning {
		t.Fatalf("in-flight experiment must stay running for restart recovery, got %s", rec.Status)
	}
	if rec.ErrorMessage != "" {
		t.Fatalf("shutdown must not record a failure message, got %q", rec.ErrorMessage)
	}

	// The next process restore requeues it.
	q2 := NewQueue(&memStore{}, QueueOptions{})
	q2.Restore(map[string]*Experiment{id: rec.Experiment.Clone()}, []string{id})
	rec2, err := q2.Get(id)
	if err != nil {
		t.Fatalf("get after restore: %v", err)
	}
	if rec2.Status != StatusQueued {
		t.Fatalf("restore should requeue the interrupted run, got %s", rec2.Status)
	}
}

func TestCancelDuringContainerCreateStillStopsSandbox(t *testing.T) {
	runner := &fakeRunner{}
	w, q := newWorkerFixture(t, runner, WorkerOptions{StopGrace: 10 * time.Millisecond})

	id := mustEnqueue(t, q, "u1")

	// Cancel lands while Submit is creating the container: the handle is
	// not registered yet, so the stop request from the handler finds
	// nothing to act on.
	runner.submitHook = func(expID string) {
		if _, err := q.Cancel(expID); err != nil {
			t.Errorf("cancel: %v", err)
		}
		w.StopExperiment(expID)
	}

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	stopped := runner.stoppedIDs()
	if len(stopped) != 1 || stopped[0] != id {
		t.Fatalf("expected sandbox stop for the cancelled run, got %v", stopped)
	}
	if runner.waitCalls != 0 {
		t.Fatalf("worker must not wait on a cancelled run, wait called %d time(s)", runner.waitCalls)
	}

	rec, _ := q.Get(id)
	if rec.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rec.Status)
	}
}

func TestTickIdleWhileExperimentRunning(t *testing.T) {
	runner := &fakeRunner{}
	w, q := newWorkerFixture(t, runner, WorkerOptions{})

	idA := mustEnqueue(t, q, "u1")
	mustEnqueue(t, q, "u1")
	q.Start(idA)

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(runner.submitted) != 0 {
		t.Fatalf("tick must not submit while another experiment runs, submitted %v", runner.submitted)
	}
}

func TestTickIdleOnEmptyQueue(t *testing.T) {
	runner := &fakeRunner{}
	w, _ := newWorkerFixture(t, runner, WorkerOptions{})

	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick on empty queue: %v", err)
	}
	if len(runner.submitted) != 0 {
		t.Fatal("nothing should have been submitted")
	}
}

func TestStopExperimentOnlyAffectsCurrentRun(t *testing.T) {
	runner := &fakeRunner{}
	w, _ := newWorkerFixture(t, runner, WorkerOptions{StopGrace: 10 * time.Millisecond})

	// Nothing running: a stop request is a no-op.
	w.StopExperiment("anything")
	if len(runner.stoppedIDs()) != 0 {
		t.Fatal("stop with no current run should do nothing")
	}

	w.setCurrent(&fakeHandle{id: "exp-1"})
	w.StopExperiment("exp-2")
	time.Sleep(20 * time.Millisecond)
	if len(runner.stoppedIDs()) != 0 {
		t.Fatal("stop for a different experiment should do nothing")
	}

	w.StopExperiment("exp-1")
	deadline := time.Now().Add(time.Second)
	for len(runner.stoppedIDs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sandbox stop was never issued")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunStopLifecycle(t *testing.T) {
	runner := &fakeRunner{}
	w, _ := newWorkerFixture(t, runner, WorkerOptions{PollInterval: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	w.Stop(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker loop did not exit after Stop")
	}
}

func TestRunExitsOnContextCancel(t *testing.T) {
	runner := &fakeRunner{}
	w, _ := newWorkerFixture(t, runner, WorkerOptions{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker loop did not exit on context cancel")
	}
}

func TestTail(t *testing.T) {
	if got := tail("  short  ", 10); got != "short" {
		t.Fatalf("tail short: %q", got)
	}
	long := strings.Repeat("x", 20) + "END"
	if got := tail(long, 5); got != "xxEND" {
		t.Fatalf("tail long: %q", got)
	}
	if got := tail("", 5); got != "" {
		t.Fatalf("tail empty: %q", got)
	}
}
