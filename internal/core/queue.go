package core

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openbio/exphub/internal/metrics"
)

// Store persists the full queue state. Save is always called while the
// queue lock is held and must never acquire it itself.
type Store interface {
	Save(experiments map[string]*Experiment, order []string) error
}

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	ExperimentEvent(event string, exp *Experiment)
}

const (
	EventQueued    = "experiment_queued"
	EventStarted   = "experiment_started"
	EventCompleted = "experiment_completed"
	EventFailed    = "experiment_failed"
	EventCancelled = "experiment_cancelled"
)

// ExperimentRecord is a point-in-time view of one experiment, including its
// 1-based position among active queue entries (0 when not queued/paused).
type ExperimentRecord struct {
	Experiment
	QueuePosition int
}

type QueueOptions struct {
	MaxPerSubmitter int
	Retention       time.Duration
}

// Queue owns the experiment map and the order list. Every mutation happens
// under one mutex and ends with a persist; a failed persist is logged and
// swallowed so storage trouble never corrupts in-memory state.
type Queue struct {
	mu          sync.Mutex
	experiments map[string]*Experiment
	order       []string

	store    Store
	notifier Notifier

	maxPerSubmitter int
	retention       time.Duration
}

func NewQueue(store Store, opts QueueOptions) *Queue {
	if opts.MaxPerSubmitter <= 0 {
		opts.MaxPerSubmitter = 5
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}

	return &Queue{
		experiments:     make(map[string]*Experiment),
		order:           nil,
		store:           store,
		maxPerSubmitter: opts.MaxPerSubmitter,
		retention:       opts.Retention,
	}
}

// SetNotifier wires the lifecycle event sink. Must be called before the
// queue is shared between goroutines.
func (q *Queue) SetNotifier(n Notifier) {
	q.notifier = n
}

// Restore installs state loaded from the store. Experiments that were
// running when the process died are put back at queued so they get picked
// up again; order entries without a backing record are dropped.
func (q *Queue) Restore(experiments map[string]*Experiment, order []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if experiments == nil {
		experiments = make(map[string]*Experiment)
	}

	recovered := 0
	for _, exp := range experiments {
		if exp.Status == StatusRunning {
			exp.Status = StatusQueued
			exp.StartedAt = nil
			recovered++
		}
	}

	kept := make([]string, 0, len(order))
	for _, id := range order {
		if _, ok := experiments[id]; ok {
			kept = append(kept, id)
		} else {
			log.Printf("[queue] dropping orphaned order entry %s", id)
		}
	}

	q.experiments = experiments
	q.order = kept

	if recovered > 0 {
		log.Printf("[queue] recovered %d interrupted experiment(s) back to queued", recovered)
		q.persist()
	}
	q.updateGauges()
}

func (q *Queue) Enqueue(submitterID, script string) (string, int, error) {
	q.mu.Lock()

	active := 0
	for _, exp := range q.experiments {
		if exp.SubmitterID == submitterID &&
			(exp.Status == StatusQueued || exp.Status == StatusRunning) {
			active++
		}
	}
	if active >= q.maxPerSubmitter {
		q.mu.Unlock()
		return "", 0, fmt.Errorf("%w: at most %d experiments per user may be queued or running",
			ErrQuotaExceeded, q.maxPerSubmitter)
	}

	exp := &Experiment{
		ID:          uuid.NewString(),
		SubmitterID: submitterID,
		Script:      script,
		Status:      StatusQueued,
		CreatedAt:   time.Now(),
	}

	q.experiments[exp.ID] = exp
	q.order = append(q.order, exp.ID)
	q.persist()
	q.updateGauges()

	position := q.positionLocked(exp.ID)
	clone := exp.Clone()
	q.mu.Unlock()

	log.Printf("[queue] enqueued experiment %s for %s (position %d)", exp.ID, submitterID, position)
	q.notify(EventQueued, clone)
	return exp.ID, position, nil
}

// NextRunnable returns the first queued experiment in order, skipping paused
// and terminal entries. It does not mutate state.
func (q *Queue) NextRunnable() *Experiment {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		exp, ok := q.experiments[id]
		if !ok {
			continue
		}
		if exp.Status == StatusQueued {
			return exp.Clone()
		}
	}
	return nil
}

// RunningID reports the currently running experiment, if any.
func (q *Queue) RunningID() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, exp := range q.experiments {
		if exp.Status == StatusRunning {
			return id, true
		}
	}
	return "", false
}

func (q *Queue) Start(id string) bool {
	q.mu.Lock()

	exp, ok := q.experiments[id]
	if !ok || exp.Status != StatusQueued {
		q.mu.Unlock()
		return false
	}

	now := time.Now()
	exp.Status = StatusRunning
	exp.StartedAt = &now
	q.persist()
	q.updateGauges()
	clone := exp.Clone()
	q.mu.Unlock()

	log.Printf("[queue] started experiment %s", id)
	q.notify(EventStarted, clone)
	return true
}

// Complete records the outcome of a run. Only a running experiment can
// transition; a late completion against an already-terminal record (for
// example after a timeout already forced a failure) is logged and dropped,
// so the first writer wins.
func (q *Queue) Complete(id string, exitCode int, errorMessage string) bool {
	q.mu.Lock()

	exp, ok := q.experiments[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	if exp.Status != StatusRunning {
		q.mu.Unlock()
		log.Printf("[queue] dropping completion for experiment %s in state %s (exit %d)",
			id, exp.Status, exitCode)
		return false
	}

	now := time.Now()
	if exitCode == 0 {
		exp.Status = StatusCompleted
	} else {
		exp.Status = StatusFailed
	}
	exp.CompletedAt = &now
	exp.ExitCode = &exitCode
	exp.ErrorMessage = errorMessage
	q.persist()
	q.updateGauges()

	if exp.StartedAt != nil {
		metrics.ObserveRunDuration(now.Sub(*exp.StartedAt).Seconds())
	}
	metrics.IncOutcome(string(exp.Status))

	clone := exp.Clone()
	q.mu.Unlock()

	log.Printf("[queue] completed experiment %s with exit code %d", id, exitCode)
	if exitCode == 0 {
		q.notify(EventCompleted, clone)
	} else {
		q.notify(EventFailed, clone)
	}
	return true
}

// Cancel is valid from queued or running. The returned wasRunning flag tells
// the caller whether the sandbox also needs a stop signal; the status flip
// here is authoritative regardless of backend teardown lag.
func (q *Queue) Cancel(id string) (wasRunning bool, err error) {
	q.mu.Lock()

	exp, ok := q.experiments[id]
	if !ok {
		q.mu.Unlock()
		return false, ErrNotFound
	}
	if exp.Status != StatusQueued && exp.Status != StatusRunning {
		q.mu.Unlock()
		return false, fmt.Errorf("%w: experiment is %s, not in a cancellable state", ErrInvalidState, exp.Status)
	}

	wasRunning = exp.Status == StatusRunning
	now := time.Now()
	exp.Status = StatusCancelled
	exp.CompletedAt = &now
	q.persist()
	q.updateGauges()
	metrics.IncOutcome(string(StatusCancelled))
	clone := exp.Clone()
	q.mu.Unlock()

	log.Printf("[queue] cancelled experiment %s", id)
	q.notify(EventCancelled, clone)
	return wasRunning, nil
}

// Pause is valid only from queued. A running experiment cannot be paused
// because the sandbox process keeps running.
func (q *Queue) Pause(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	exp, ok := q.experiments[id]
	if !ok {
		return ErrNotFound
	}
	if exp.Status != StatusQueued {
		return fmt.Errorf("%w: experiment is %s, only queued experiments can be paused", ErrInvalidState, exp.Status)
	}

	exp.Status = StatusPaused
	q.persist()
	q.updateGauges()
	log.Printf("[queue] paused experiment %s", id)
	return nil
}

func (q *Queue) Resume(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	exp, ok := q.experiments[id]
	if !ok {
		return ErrNotFound
	}
	if exp.Status != StatusPaused {
		return fmt.Errorf("%w: experiment is %s, only paused experiments can be resumed", ErrInvalidState, exp.Status)
	}

	exp.Status = StatusQueued
	q.persist()
	q.updateGauges()
	log.Printf("[queue] resumed experiment %s", id)
	return nil
}

// Reorder moves id to newPosition in the order list, clamped to the valid
// range. The experiment record itself is untouched.
func (q *Queue) Reorder(id string, newPosition int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, oid := range q.order {
		if oid == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	q.order = append(q.order[:idx], q.order[idx+1:]...)
	if newPosition < 0 {
		newPosition = 0
	}
	if newPosition > len(q.order) {
		newPosition = len(q.order)
	}
	reordered := make([]string, 0, len(q.order)+1)
	reordered = append(reordered, q.order[:newPosition]...)
	reordered = append(reordered, id)
	reordered = append(reordered, q.order[newPosition:]...)
	q.order = reordered

	q.persist()
	log.Printf("[queue] reordered experiment %s to position %d", id, newPosition)
	return nil
}

// RunNow moves a queued or paused experiment to the front of the order,
// un-pausing it if needed.
func (q *Queue) RunNow(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	exp, ok := q.experiments[id]
	if !ok {
		return ErrNotFound
	}
	if exp.Status != StatusQueued && exp.Status != StatusPaused {
		return fmt.Errorf("%w: experiment is %s, only queued or paused experiments can be run next", ErrInvalidState, exp.Status)
	}

	if exp.Status == StatusPaused {
		exp.Status = StatusQueued
	}

	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.order = append([]string{id}, q.order...)

	q.persist()
	q.updateGauges()
	log.Printf("[queue] moved experiment %s to front of queue", id)
	return nil
}

func (q *Queue) Get(id string) (ExperimentRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	exp, ok := q.experiments[id]
	if !ok {
		return ExperimentRecord{}, ErrNotFound
	}
	return q.recordLocked(exp), nil
}

// Snapshot returns status counts plus the ordered list of active
// experiments only; terminal entries still sitting in the order list are
// filtered out.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats QueueStats
	for _, exp := range q.experiments {
		switch exp.Status {
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusPaused:
			stats.Paused++
		}
	}

	entries := make([]QueueEntry, 0, stats.Queued+stats.Running+stats.Paused)
	for _, id := range q.order {
		exp, ok := q.experiments[id]
		if !ok || !exp.Status.IsActive() {
			continue
		}
		entries = append(entries, QueueEntry{
			ID:          exp.ID,
			SubmitterID: exp.SubmitterID,
			Status:      exp.Status,
			CreatedAt:   exp.CreatedAt,
		})
	}

	// Rough estimate, ten minutes per queued experiment.
	return Snapshot{
		Stats:                stats,
		EstimatedWaitMinutes: stats.Queued * 10,
		Queue:                entries,
	}
}

func (q *Queue) ListForSubmitter(submitterID string) []ExperimentRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var records []ExperimentRecord
	for _, exp := range q.experiments {
		if exp.SubmitterID == submitterID {
			records = append(records, q.recordLocked(exp))
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records
}

// Sweep purges terminal experiments whose completion predates the retention
// window, removing them from both the map and the order list. It returns the
// purged ids so callers can clean up on-disk workspaces.
func (q *Queue) Sweep() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.retention)
	var purged []string
	for id, exp := range q.experiments {
		if exp.Status.IsTerminal() && exp.CompletedAt != nil && exp.CompletedAt.Before(cutoff) {
			purged = append(purged, id)
		}
	}
	if len(purged) == 0 {
		return nil
	}

	for _, id := range purged {
		delete(q.experiments, id)
	}
	kept := q.order[:0]
	for _, id := range q.order {
		if _, ok := q.experiments[id]; ok {
			kept = append(kept, id)
		}
	}
	q.order = kept

	q.persist()
	log.Printf("[queue] swept %d old experiment(s)", len(purged))
	return purged
}

// positionLocked computes the 1-based position among active (queued/paused)
// entries at or before id in the order list. Terminal entries that have not
// been swept yet do not count.
func (q *Queue) positionLocked(id string) int {
	position := 0
	for _, oid := range q.order {
		exp, ok := q.experiments[oid]
		if !ok {
			continue
		}
		if exp.Status == StatusQueued || exp.Status == StatusPaused {
			position++
		}
		if oid == id {
			if exp.Status == StatusQueued || exp.Status == StatusPaused {
				return position
			}
			return 0
		}
	}
	return 0
}

func (q *Queue) recordLocked(exp *Experiment) ExperimentRecord {
	return ExperimentRecord{
		Experiment:    *exp.Clone(),
		QueuePosition: q.positionLocked(exp.ID),
	}
}

func (q *Queue) persist() {
	if q.store == nil {
		return
	}
	if err := q.store.Save(q.experiments, q.order); err != nil {
		log.Printf("[queue] failed to persist state: %v", err)
	}
}

func (q *Queue) updateGauges() {
	var queued, running, paused int
	for _, exp := range q.experiments {
		switch exp.Status {
		case StatusQueued:
			queued++
		case StatusRunning:
			running++
		case StatusPaused:
			paused++
		}
	}
	metrics.SetQueueDepth(queued, running, paused)
}

func (q *Queue) notify(event string, exp *Experiment) {
	if q.notifier != nil {
		q.notifier.ExperimentEvent(event, exp)
	}
}
