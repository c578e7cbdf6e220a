package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrUnknownOperation is returned for ids the tracker and its store
	// have never seen.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrTerminal is returned when updating a finished operation.
	ErrTerminal = errors.New("operation already finished")
	// ErrIncompleteStages is returned by Complete while a stage is unfinished.
	ErrIncompleteStages = errors.New("not all stages completed")
)

// CancelledMessage is the error message of a cancelled operation.
const CancelledMessage = "cancelled by user"

const (
	DefaultThrottleRecords = 5000
	DefaultThrottlePercent = 5
	DefaultRetention       = 5 * time.Minute
	subscriberBuffer       = 16
)

// Notifier receives every published progress event.
type Notifier interface {
	Notify(ctx context.Context, snap Snapshot)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, snap Snapshot)

func (f NotifierFunc) Notify(ctx context.Context, snap Snapshot) { f(ctx, snap) }

// Options configure a Tracker.
type Options struct {
	// ThrottleRecords and ThrottlePercent bound how often progress is
	// persisted and published while records are processed.
	ThrottleRecords int
	ThrottlePercent int
	// Retention is how long finished operations stay in memory.
	Retention time.Duration
	Store     StatusStore
	Notifier  Notifier
	Logger    *slog.Logger
}

// Counts are added to a snapshot by Advance.
type Counts struct {
	Processed int
	Saved     int
	Updated   int
	Skipped   int
	Failed    int
}

type entry struct {
	mu        sync.Mutex
	snap      Snapshot
	persisted Snapshot
	listeners []chan Snapshot
}

// Tracker holds operation state in memory. Each operation has its own lock;
// there is no tracker-wide lock on the update path.
type Tracker struct {
	entries   sync.Map // id -> *entry
	cancelled sync.Map // id -> struct{}
	opts      Options
	now       func() time.Time
}

// NewTracker returns a tracker. A nil Store means a MemoryStatusStore.
func NewTracker(opts Options) *Tracker {
	if opts.ThrottleRecords <= 0 {
		opts.ThrottleRecords = DefaultThrottleRecords
	}
	if opts.ThrottlePercent <= 0 {
		opts.ThrottlePercent = DefaultThrottlePercent
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStatusStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{opts: opts, now: time.Now}
}

// Begin registers a pending operation with the given stage names.
func (t *Tracker) Begin(ctx context.Context, id string, kind Kind, stages ...string) Snapshot {
	snap := Snapshot{
		OperationID: id,
		Kind:        kind,
		Status:      StatusPending,
		StartedAt:   t.now().UTC(),
		Stages:      make([]Stage, len(stages)),
	}
	for i, name := range stages {
		snap.Stages[i] = Stage{Name: name, State: StageNotStarted}
	}

	e := &entry{snap: snap}
	t.entries.Store(id, e)

	e.mu.Lock()
	out := t.publishLocked(ctx, e, true)
	e.mu.Unlock()
	return out
}

func (t *Tracker) entry(id string) (*entry, error) {
	v, ok := t.entries.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	return v.(*entry), nil
}

// update runs fn on the operation's snapshot under its lock. fn returns
// whether the change must be persisted regardless of throttling.
func (t *Tracker) update(ctx context.Context, id string, fn func(s *Snapshot) (bool, error)) (Snapshot, error) {
	e, err := t.entry(id)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.snap.Status.Terminal() {
		return e.snap.clone(), ErrTerminal
	}
	force, err := fn(&e.snap)
	if err != nil {
		return e.snap.clone(), err
	}

	if force || t.due(e) {
		out := t.publishLocked(ctx, e, force)
		if e.snap.Status.Terminal() {
			t.finishLocked(e)
		}
		return out, nil
	}
	return e.snap.clone(), nil
}

// due reports whether enough progress has accumulated since the last
// persisted snapshot.
func (t *Tracker) due(e *entry) bool {
	if e.snap.ProcessedRecords-e.persisted.ProcessedRecords >= t.opts.ThrottleRecords {
		return true
	}
	return e.snap.Percent-e.persisted.Percent >= t.opts.ThrottlePercent
}

// publishLocked persists the snapshot and pushes it to subscribers and the
// notifier. Store failures are logged; status changes retry on the next
// publish.
func (t *Tracker) publishLocked(ctx context.Context, e *entry, statusChange bool) Snapshot {
	snap := e.snap.clone()
	e.persisted = snap

	if err := t.opts.Store.Save(ctx, snap); err != nil {
		t.opts.Logger.Warn("persist operation status failed",
			"operation_id", snap.OperationID,
			"status", snap.Status,
			"status_change", statusChange,
			"error", err,
		)
	}

	for _, ch := range e.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	if t.opts.Notifier != nil {
		t.opts.Notifier.Notify(ctx, snap)
	}
	return snap
}

// finishLocked closes subscriber channels and schedules eviction.
func (t *Tracker) finishLocked(e *entry) {
	for _, ch := range e.listeners {
		close(ch)
	}
	e.listeners = nil

	id := e.snap.OperationID
	time.AfterFunc(t.opts.Retention, func() {
		t.entries.CompareAndDelete(id, e)
		t.cancelled.Delete(id)
	})
}

// StartStage moves the operation to processing and marks name in progress.
func (t *Tracker) StartStage(ctx context.Context, id, name string) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		st := s.stage(name)
		if st == nil {
			return false, fmt.Errorf("unknown stage %q", name)
		}
		s.Status = StatusProcessing
		st.State = StageInProgress
		st.Percent = 0
		s.Stage = name
		s.StagePercent = 0
		return true, nil
	})
}

// CompleteStage marks name completed at 100%.
func (t *Tracker) CompleteStage(ctx context.Context, id, name string) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		st := s.stage(name)
		if st == nil {
			return false, fmt.Errorf("unknown stage %q", name)
		}
		st.State = StageCompleted
		st.Percent = 100
		if s.Stage == name {
			s.StagePercent = 100
		}
		return true, nil
	})
}

// SetTotal sets the expected number of records. Estimates may be revised.
func (t *Tracker) SetTotal(ctx context.Context, id string, total int) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		if total < s.ProcessedRecords {
			total = s.ProcessedRecords
		}
		s.TotalRecords = total
		t.recompute(s)
		return false, nil
	})
}

// Advance adds c to the counters. Processed never decreases and the total
// grows when an estimate was exceeded.
func (t *Tracker) Advance(ctx context.Context, id string, c Counts) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		if c.Processed > 0 {
			s.ProcessedRecords += c.Processed
		}
		s.Saved += c.Saved
		s.Updated += c.Updated
		s.Skipped += c.Skipped
		s.Failed += c.Failed
		if s.TotalRecords > 0 && s.ProcessedRecords > s.TotalRecords {
			s.TotalRecords = s.ProcessedRecords
		}
		t.recompute(s)
		return false, nil
	})
}

// SetStagePercent records progress of the current stage when it is not
// driven by record counts.
func (t *Tracker) SetStagePercent(ctx context.Context, id string, percent int) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		percent = max(0, min(100, percent))
		s.StagePercent = percent
		if st := s.stage(s.Stage); st != nil {
			st.Percent = percent
		}
		return false, nil
	})
}

func (t *Tracker) recompute(s *Snapshot) {
	s.Percent = percentOf(s.ProcessedRecords, s.TotalRecords)
	if st := s.stage(s.Stage); st != nil && st.State == StageInProgress {
		st.Percent = s.Percent
		s.StagePercent = s.Percent
	}
}

// AddRowErrors counts record-level errors and keeps the first few messages.
func (t *Tracker) AddRowErrors(ctx context.Context, id string, errs ...error) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		s.RowErrors += len(errs)
		for _, err := range errs {
			if len(s.ErrorSamples) >= MaxErrorSamples {
				break
			}
			s.ErrorSamples = append(s.ErrorSamples, err.Error())
		}
		return false, nil
	})
}

// AddErrorSamples keeps messages as samples without counting them. Batch
// failures use it; their records are counted through Advance.
func (t *Tracker) AddErrorSamples(ctx context.Context, id string, msgs ...string) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		for _, m := range msgs {
			if len(s.ErrorSamples) >= MaxErrorSamples {
				break
			}
			s.ErrorSamples = append(s.ErrorSamples, m)
		}
		return false, nil
	})
}

// SetOutput records the path of an export's output file.
func (t *Tracker) SetOutput(ctx context.Context, id, path string) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		s.OutputPath = path
		return false, nil
	})
}

// Complete finishes the operation. Every stage must be completed.
func (t *Tracker) Complete(ctx context.Context, id string) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		if !s.allStagesCompleted() {
			return false, ErrIncompleteStages
		}
		s.Status = StatusCompleted
		// Every record has been seen, so estimates give way to the count.
		s.TotalRecords = s.ProcessedRecords
		s.Percent = 100
		t.stamp(s)
		return true, nil
	})
}

// Fail finishes the operation as failed at stage.
func (t *Tracker) Fail(ctx context.Context, id, stage string, cause error) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		s.Status = StatusFailed
		s.FailedStage = stage
		if st := s.stage(stage); st != nil {
			st.State = StageFailed
		}
		if stage != "" {
			s.ErrorMessage = fmt.Sprintf("failed at stage %s: %v", stage, cause)
		} else {
			s.ErrorMessage = fmt.Sprintf("failed: %v", cause)
		}
		t.stamp(s)
		return true, nil
	})
}

// MarkCancelled finishes a cancelled operation. The current stage is
// recorded as the failed stage.
func (t *Tracker) MarkCancelled(ctx context.Context, id string) (Snapshot, error) {
	return t.update(ctx, id, func(s *Snapshot) (bool, error) {
		s.Status = StatusFailed
		s.Cancelled = true
		s.ErrorMessage = CancelledMessage
		if st := s.stage(s.Stage); st != nil && st.State == StageInProgress {
			st.State = StageFailed
			s.FailedStage = st.Name
		}
		t.stamp(s)
		return true, nil
	})
}

func (t *Tracker) stamp(s *Snapshot) {
	now := t.now().UTC()
	s.CompletedAt = &now
}

// Cancel requests cancellation. The worker notices at its next chunk
// boundary. It returns false for unknown or finished operations.
func (t *Tracker) Cancel(id string) bool {
	e, err := t.entry(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	terminal := e.snap.Status.Terminal()
	e.mu.Unlock()
	if terminal {
		return false
	}
	t.cancelled.Store(id, struct{}{})
	return true
}

// IsCancelled reports whether Cancel was called for id.
func (t *Tracker) IsCancelled(id string) bool {
	_, ok := t.cancelled.Load(id)
	return ok
}

// Subscribe returns a channel of progress events for id. The current state
// is sent first. The channel is closed when the operation finishes; slow
// readers miss intermediate events. Call the returned func to unsubscribe
// early.
func (t *Tracker) Subscribe(id string) (<-chan Snapshot, func(), error) {
	e, err := t.entry(id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Snapshot, subscriberBuffer)

	e.mu.Lock()
	defer e.mu.Unlock()

	ch <- e.snap.clone()
	if e.snap.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	e.listeners = append(e.listeners, ch)

	unsubscribe := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l == ch {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe, nil
}

// Status returns the in-memory snapshot, falling back to the status store
// for operations that have been evicted.
func (t *Tracker) Status(ctx context.Context, id string) (Snapshot, error) {
	if e, err := t.entry(id); err == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.snap.clone(), nil
	}

	snap, err := t.opts.Store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	return snap, err
}

// Active returns the ids of operations that have not finished.
func (t *Tracker) Active() []string {
	var ids []string
	t.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.snap.Status.Terminal() {
			ids = append(ids, k.(string))
		}
		e.mu.Unlock()
		return true
	})
	return ids
}
