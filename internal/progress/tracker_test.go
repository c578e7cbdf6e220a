package progress

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// countingStore records how often each operation is saved.
type countingStore struct {
	*MemoryStatusStore
	mu    sync.Mutex
	saves int
}

func (c *countingStore) Save(ctx context.Context, snap Snapshot) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.MemoryStatusStore.Save(ctx, snap)
}

func newTestTracker(opts Options) *Tracker {
	if opts.Store == nil {
		opts.Store = NewMemoryStatusStore()
	}
	return NewTracker(opts)
}

func TestPercentOf(t *testing.T) {
	tests := []struct {
		processed, total, want int
	}{
		{0, 0, 0},
		{10, 0, 0},
		{1, 3, 33},
		{2, 3, 67},
		{5, 5, 100},
		{7, 5, 100},
	}
	for _, tt := range tests {
		if got := percentOf(tt.processed, tt.total); got != tt.want {
			t.Errorf("percentOf(%d, %d) = %d, want %d", tt.processed, tt.total, got, tt.want)
		}
	}
}

func TestTracker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(Options{})

	snap := tr.Begin(ctx, "op1", KindImport, "read", "save")
	if snap.Status != StatusPending {
		t.Fatalf("status = %q, want pending", snap.Status)
	}

	tr.StartStage(ctx, "op1", "read")
	tr.SetTotal(ctx, "op1", 4)
	tr.Advance(ctx, "op1", Counts{Processed: 2, Saved: 2})
	tr.CompleteStage(ctx, "op1", "read")

	if _, err := tr.Complete(ctx, "op1"); !errors.Is(err, ErrIncompleteStages) {
		t.Fatalf("Complete() error = %v, want ErrIncompleteStages", err)
	}

	tr.StartStage(ctx, "op1", "save")
	tr.Advance(ctx, "op1", Counts{Processed: 2, Skipped: 2})
	tr.CompleteStage(ctx, "op1", "save")

	final, err := tr.Complete(ctx, "op1")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if final.Status != StatusCompleted || final.Percent != 100 {
		t.Errorf("got status %q percent %d", final.Status, final.Percent)
	}
	if final.Saved != 2 || final.Skipped != 2 || final.ProcessedRecords != 4 {
		t.Errorf("counts = %+v", final)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if final.Message() != "completed" {
		t.Errorf("Message() = %q", final.Message())
	}

	if _, err := tr.Advance(ctx, "op1", Counts{Processed: 1}); !errors.Is(err, ErrTerminal) {
		t.Errorf("Advance after completion error = %v, want ErrTerminal", err)
	}
}

func TestTracker_TotalGrowsPastEstimate(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(Options{})
	tr.Begin(ctx, "op1", KindImport, "read")
	tr.StartStage(ctx, "op1", "read")
	tr.SetTotal(ctx, "op1", 10)
	snap, _ := tr.Advance(ctx, "op1", Counts{Processed: 12})

	if snap.TotalRecords != 12 || snap.Percent != 100 {
		t.Errorf("got total %d percent %d, want 12 and 100", snap.TotalRecords, snap.Percent)
	}

	snap, _ = tr.SetTotal(ctx, "op1", 5)
	if snap.TotalRecords != 12 {
		t.Errorf("total shrank below processed: %d", snap.TotalRecords)
	}
}

func TestTracker_FailMessage(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(Options{})
	tr.Begin(ctx, "op1", KindExport, "fetch", "write")
	tr.StartStage(ctx, "op1", "fetch")

	snap, err := tr.Fail(ctx, "op1", "fetch", errors.New("connection refused"))
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if snap.ErrorMessage != "failed at stage fetch: connection refused" {
		t.Errorf("got %q", snap.ErrorMessage)
	}
	if snap.FailedStage != "fetch" || snap.Stages[0].State != StageFailed {
		t.Errorf("failed stage not recorded: %+v", snap)
	}
}

func TestTracker_RowErrorSamplesCapped(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(Options{})
	tr.Begin(ctx, "op1", KindImport, "read")

	var errs []error
	for i := 0; i < 30; i++ {
		errs = append(errs, errors.New("bad row"))
	}
	tr.AddRowErrors(ctx, "op1", errs...)
	snap, _ := tr.Status(ctx, "op1")

	if snap.RowErrors != 30 {
		t.Errorf("RowErrors = %d, want 30", snap.RowErrors)
	}
	if len(snap.ErrorSamples) != MaxErrorSamples {
		t.Errorf("kept %d samples, want %d", len(snap.ErrorSamples), MaxErrorSamples)
	}

	tr.StartStage(ctx, "op1", "read")
	tr.CompleteStage(ctx, "op1", "read")
	final, _ := tr.Complete(ctx, "op1")
	if final.Message() != "completed with 30 row errors" {
		t.Errorf("Message() = %q", final.Message())
	}
}

func TestTracker_Throttle(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{MemoryStatusStore: NewMemoryStatusStore()}
	tr := newTestTracker(Options{Store: store, ThrottleRecords: 100, ThrottlePercent: 50})

	tr.Begin(ctx, "op1", KindImport, "read")
	tr.StartStage(ctx, "op1", "read")
	tr.SetTotal(ctx, "op1", 1000)
	base := store.saves

	for i := 0; i < 10; i++ {
		tr.Advance(ctx, "op1", Counts{Processed: 10})
	}
	if got := store.saves - base; got != 1 {
		t.Errorf("saved %d times for 100 records, want 1", got)
	}

	persisted, _ := store.Load(ctx, "op1")
	if persisted.ProcessedRecords != 100 {
		t.Errorf("persisted processed = %d, want 100", persisted.ProcessedRecords)
	}

	// In-memory status is always current.
	tr.Advance(ctx, "op1", Counts{Processed: 5})
	snap, _ := tr.Status(ctx, "op1")
	if snap.ProcessedRecords != 105 {
		t.Errorf("in-memory processed = %d, want 105", snap.ProcessedRecords)
	}
}

func TestTracker_SubscribeAndNotify(t *testing.T) {
	ctx := context.Background()
	var (
		mu       sync.Mutex
		notified []Status
	)
	tr := newTestTracker(Options{
		Notifier: NotifierFunc(func(_ context.Context, s Snapshot) {
			mu.Lock()
			notified = append(notified, s.Status)
			mu.Unlock()
		}),
	})
	tr.Begin(ctx, "op1", KindImport, "read")

	ch, _, err := tr.Subscribe("op1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	tr.StartStage(ctx, "op1", "read")
	tr.CompleteStage(ctx, "op1", "read")
	tr.Complete(ctx, "op1")

	var last Snapshot
	n := 0
	for s := range ch {
		last = s
		n++
	}
	if n != 4 {
		t.Errorf("received %d events, want 4", n)
	}
	if last.Status != StatusCompleted {
		t.Errorf("last event status = %q", last.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	want := "pending,processing,processing,completed"
	got := make([]string, len(notified))
	for i, s := range notified {
		got[i] = string(s)
	}
	if strings.Join(got, ",") != want {
		t.Errorf("notified %v, want %s", got, want)
	}
}

func TestTracker_SubscribeFinished(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(Options{})
	tr.Begin(ctx, "op1", KindImport)
	tr.Complete(ctx, "op1")

	ch, _, err := tr.Subscribe("op1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	s, ok := <-ch
	if !ok || s.Status != StatusCompleted {
		t.Fatalf("got %+v, %v", s, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed")
	}
}

func TestTracker_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(Options{})
	tr.Begin(ctx, "op1", KindImport, "read")

	ch, unsubscribe, _ := tr.Subscribe("op1")
	<-ch
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel not closed after unsubscribe")
	}
	// Finishing afterwards must not close the channel twice.
	tr.StartStage(ctx, "op1", "read")
	tr.CompleteStage(ctx, "op1", "read")
	if _, err := tr.Complete(ctx, "op1"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
}

func TestTracker_Cancel(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(Options{})

	if tr.Cancel("missing") {
		t.Error("Cancel of unknown operation returned true")
	}

	tr.Begin(ctx, "op1", KindImport, "read")
	tr.StartStage(ctx, "op1", "read")
	if !tr.Cancel("op1") || !tr.IsCancelled("op1") {
		t.Fatal("cancel not recorded")
	}

	snap, err := tr.MarkCancelled(ctx, "op1")
	if err != nil {
		t.Fatalf("MarkCancelled() error = %v", err)
	}
	if snap.Status != StatusFailed || !snap.Cancelled || snap.ErrorMessage != CancelledMessage {
		t.Errorf("got %+v", snap)
	}
	if snap.FailedStage != "read" {
		t.Errorf("FailedStage = %q, want read", snap.FailedStage)
	}
	if tr.Cancel("op1") {
		t.Error("Cancel of finished operation returned true")
	}
}

func TestTracker_EvictionFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(Options{Retention: 10 * time.Millisecond})
	tr.Begin(ctx, "op1", KindExport)
	tr.Complete(ctx, "op1")

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.Active()) > 0 || tr.inMemory("op1") {
		if time.Now().After(deadline) {
			t.Fatal("operation was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap, err := tr.Status(ctx, "op1")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if snap.Status != StatusCompleted {
		t.Errorf("status = %q", snap.Status)
	}

	if _, err := tr.Status(ctx, "nope"); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("error = %v, want ErrUnknownOperation", err)
	}
}

func (t *Tracker) inMemory(id string) bool {
	_, ok := t.entries.Load(id)
	return ok
}
