package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/feedloader/internal/archive"
	"github.com/JonMunkholm/feedloader/internal/logging"
	"github.com/JonMunkholm/feedloader/internal/mapping"
	"github.com/JonMunkholm/feedloader/internal/persist"
	"github.com/JonMunkholm/feedloader/internal/progress"
)

var (
	// ErrCancelled marks an operation stopped by Cancel.
	ErrCancelled = errors.New("operation cancelled")
	// ErrClientRequired rejects requests without a client id.
	ErrClientRequired = errors.New("client id is required")
)

// Import stages.
const (
	StageDataFetch  = "data_fetch"
	StageProcessing = "processing"
	StagePersist    = "persist"
)

// Export stages.
const (
	StageFetch   = "fetch"
	StageProcess = "process"
	StageWrite   = "write"
)

const (
	DefaultChunkSize      = 500
	DefaultOperationLimit = 30 * time.Minute
	// doneRetention is how long a finished operation's done channel is kept
	// for Wait callers.
	doneRetention = 5 * time.Minute
)

// Options configure a Service.
type Options struct {
	// ChunkSize is how many records are read per chunk.
	ChunkSize int
	// Timeout bounds a single operation.
	Timeout time.Duration
	// ExportDir receives export output files.
	ExportDir string
	// ExportPageSize is how many stored records are fetched per page.
	ExportPageSize int
}

// Deps are the collaborators of a Service.
type Deps struct {
	Registry *mapping.Registry
	Engine   *persist.Engine
	Tracker  *progress.Tracker
	Pool     *WorkerPool
	// Archiver keeps source files of imports that ask for it. Without one
	// those files are deleted like all others.
	Archiver archive.Archiver
}

// Service runs imports and exports on the worker pool.
type Service struct {
	registry *mapping.Registry
	engine   *persist.Engine
	store    persist.Store
	tracker  *progress.Tracker
	pool     *WorkerPool
	archiver archive.Archiver
	opts     Options

	mu   sync.Mutex
	done map[string]chan struct{}
	// queued holds the wait cancel funcs of operations without a worker.
	queued map[string]context.CancelFunc
}

// NewService wires a Service.
func NewService(deps Deps, opts Options) *Service {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOperationLimit
	}
	if opts.ExportDir == "" {
		opts.ExportDir = os.TempDir()
	}
	if opts.ExportPageSize <= 0 {
		opts.ExportPageSize = persist.DefaultBatchSize
	}
	if deps.Pool == nil {
		deps.Pool = NewWorkerPool(DefaultWorkers, DefaultQueueSize, DefaultMaxWaitTime)
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.NewTracker(progress.Options{})
	}
	return &Service{
		registry: deps.Registry,
		engine:   deps.Engine,
		store:    deps.Engine.Store(),
		tracker:  deps.Tracker,
		pool:     deps.Pool,
		archiver: deps.Archiver,
		opts:     opts,
		done:     make(map[string]chan struct{}),
		queued:   make(map[string]context.CancelFunc),
	}
}

// Registry returns the mapping registry.
func (s *Service) Registry() *mapping.Registry { return s.registry }

// Pool returns the worker pool.
func (s *Service) Pool() *WorkerPool { return s.pool }

// operation is the per-run context shared by import and export.
type operation struct {
	id       string
	kind     progress.Kind
	clientID string
	entity   mapping.EntityType
	fileName string
	logger   *slog.Logger
	// stage is the stage currently running, for failure reporting.
	stage string
}

// submit registers the operation and queues fn on the pool. The id is
// returned at once; the operation stays pending until a worker picks it up.
// Only a full queue is reported here. A queued operation that never gets a
// worker, or is cancelled while waiting, is finished by the pool's expire
// callback.
func (s *Service) submit(ctx context.Context, op *operation, stages []string, fn func(ctx context.Context, op *operation) error, cleanup func()) (string, error) {
	s.tracker.Begin(ctx, op.id, op.kind, stages...)

	done := make(chan struct{})
	waitCtx, stopWait := context.WithCancel(context.Background())
	s.mu.Lock()
	s.done[op.id] = done
	s.queued[op.id] = stopWait
	s.mu.Unlock()

	task := func() {
		s.dequeue(op.id)

		runCtx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		defer cancel()
		defer s.finish(op, done, cleanup)
		defer func() {
			if r := recover(); r != nil {
				op.logger.Error("panic in operation",
					"stage", op.stage,
					"panic", r,
				)
				s.tracker.Fail(context.WithoutCancel(runCtx), op.id, op.stage, fmt.Errorf("internal error: %v", r))
			}
		}()

		op.logger.Info("operation started", "entity", op.entity, "file", op.fileName)
		if err := fn(runCtx, op); err != nil {
			s.terminate(runCtx, op, err)
		}
	}

	expire := func(err error) {
		s.dequeue(op.id)
		if errors.Is(err, context.Canceled) {
			err = ErrCancelled
		} else {
			op.logger.Warn("no worker became free", "error", err)
		}
		s.terminate(context.Background(), op, err)
		s.finish(op, done, cleanup)
	}

	if err := s.pool.Submit(waitCtx, task, expire); err != nil {
		s.dequeue(op.id)
		s.tracker.Fail(context.WithoutCancel(ctx), op.id, "", err)
		s.finish(op, done, cleanup)
		return "", err
	}
	return op.id, nil
}

// dequeue forgets the wait cancel func of id.
func (s *Service) dequeue(id string) {
	s.mu.Lock()
	stop, ok := s.queued[id]
	delete(s.queued, id)
	s.mu.Unlock()
	if ok {
		stop()
	}
}

// terminate records a failed or cancelled run.
func (s *Service) terminate(ctx context.Context, op *operation, err error) {
	// The run context may be what failed; the status must still be written.
	ctx = context.WithoutCancel(ctx)
	if errors.Is(err, ErrCancelled) {
		s.tracker.MarkCancelled(ctx, op.id)
		return
	}
	s.tracker.Fail(ctx, op.id, op.stage, err)
}

// finish records history, runs cleanup and releases Wait callers.
func (s *Service) finish(op *operation, done chan struct{}, cleanup func()) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := s.tracker.Status(ctx, op.id)
	if err == nil {
		op.logger.Info("operation finished",
			"status", snap.Status,
			"processed", snap.ProcessedRecords,
			"saved", snap.Saved,
			"updated", snap.Updated,
			"skipped", snap.Skipped,
			"failed", snap.Failed,
			"row_errors", snap.RowErrors,
			"message", snap.Message(),
		)
		s.recordHistory(ctx, op, snap)
	}

	if cleanup != nil {
		cleanup()
	}

	close(done)
	time.AfterFunc(doneRetention, func() {
		s.mu.Lock()
		delete(s.done, op.id)
		s.mu.Unlock()
	})
}

func (s *Service) recordHistory(ctx context.Context, op *operation, snap progress.Snapshot) {
	rec, ok := s.store.(persist.HistoryRecorder)
	if !ok {
		return
	}
	entry := persist.OperationRecord{
		ID:           op.id,
		Kind:         string(op.kind),
		ClientID:     op.clientID,
		Entity:       string(op.entity),
		FileName:     op.fileName,
		Status:       string(snap.Status),
		Processed:    snap.ProcessedRecords,
		Saved:        snap.Saved,
		Updated:      snap.Updated,
		Skipped:      snap.Skipped,
		Failed:       snap.Failed,
		RowErrors:    snap.RowErrors,
		ErrorMessage: snap.ErrorMessage,
		StartedAt:    snap.StartedAt,
	}
	if snap.CompletedAt != nil {
		entry.CompletedAt = *snap.CompletedAt
	}
	if err := rec.RecordOperation(ctx, entry); err != nil {
		op.logger.Warn("record operation history failed", "error", err)
	}
}

func (s *Service) newOperation(ctx context.Context, kind progress.Kind, clientID string, entity mapping.EntityType, fileName string) *operation {
	id := uuid.New().String()
	return &operation{
		id:       id,
		kind:     kind,
		clientID: clientID,
		entity:   entity,
		fileName: fileName,
		logger:   logging.ForOperation(ctx, id, string(kind)),
	}
}

// startStage checks for cancellation, then starts name.
func (s *Service) startStage(ctx context.Context, op *operation, name string) error {
	if err := s.checkpoint(ctx, op); err != nil {
		return err
	}
	op.stage = name
	_, err := s.tracker.StartStage(ctx, op.id, name)
	return err
}

func (s *Service) completeStage(ctx context.Context, op *operation, name string) error {
	_, err := s.tracker.CompleteStage(ctx, op.id, name)
	return err
}

// checkpoint is called at chunk boundaries. It reports cancellation and
// timeouts.
func (s *Service) checkpoint(ctx context.Context, op *operation) error {
	if s.tracker.IsCancelled(op.id) {
		return ErrCancelled
	}
	return ctx.Err()
}

// Status returns the current snapshot of an operation.
func (s *Service) Status(ctx context.Context, id string) (progress.Snapshot, error) {
	return s.tracker.Status(ctx, id)
}

// Subscribe streams progress events of a running operation.
func (s *Service) Subscribe(id string) (<-chan progress.Snapshot, func(), error) {
	return s.tracker.Subscribe(id)
}

// Cancel asks a running operation to stop at its next chunk boundary. An
// operation still waiting for a worker is finished right away.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if s.tracker.Cancel(id) {
		s.mu.Lock()
		stop, queued := s.queued[id]
		s.mu.Unlock()
		if queued {
			stop()
		}
		return nil
	}
	snap, err := s.tracker.Status(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("operation %s is already %s: %w", id, snap.Status, progress.ErrTerminal)
}

// Wait blocks until the operation finishes and returns its final snapshot.
func (s *Service) Wait(ctx context.Context, id string) (progress.Snapshot, error) {
	s.mu.Lock()
	done, ok := s.done[id]
	s.mu.Unlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return progress.Snapshot{}, ctx.Err()
		}
	}
	return s.tracker.Status(ctx, id)
}

// WaitForDrain blocks until all running operations finish. Used for
// graceful shutdown.
func (s *Service) WaitForDrain(ctx context.Context) error {
	return s.pool.WaitForDrain(ctx)
}
