// Package tasks implements TaskSupervisor (§4.9): ownership of
// AsyncBacktestTask rows, spawning BacktestEngine runs in the background,
// checkpointing via the engine's progress callback, and cooperative
// cancellation. Grounded on the source's JobResult/status bookkeeping
// shape in its scheduler, generalized into a persisted, resumable state
// machine instead of a synchronous in-process result.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/dropleader/internal/backtest"
	"github.com/sawpanic/dropleader/internal/metrics"
	"github.com/sawpanic/dropleader/internal/store"
)

// ErrTaskNotResumable is returned by Resume when a task is not in a state
// a resume can apply to (§4.9: only running tasks with a checkpointed
// currentTime are resumable).
var ErrTaskNotResumable = errors.New("tasks: not resumable")

// ErrTaskNotCancellable is returned by Cancel when a task is already in a
// terminal state (§4.9: permissible only while pending|running).
var ErrTaskNotCancellable = errors.New("tasks: not cancellable")

// Engine is the subset of backtest.Engine the supervisor drives.
type Engine interface {
	Run(ctx context.Context, params store.BacktestParams, onProgress backtest.ProgressFunc, isCancelled backtest.CancelledFunc) error
}

// Supervisor owns AsyncBacktestTask rows and their engine runs (§4.9).
type Supervisor struct {
	repo    store.TaskRepo
	engine  Engine
	metrics *metrics.Collector

	mu      sync.Mutex
	cancels map[string]chan struct{}
}

// New constructs a Supervisor. m may be nil.
func New(repo store.TaskRepo, engine Engine, m *metrics.Collector) *Supervisor {
	return &Supervisor{repo: repo, engine: engine, metrics: m, cancels: map[string]chan struct{}{}}
}

// StartAsync assigns a fresh task ID, persists it pending, and spawns the
// engine run in the background (§4.9).
func (s *Supervisor) StartAsync(ctx context.Context, params store.BacktestParams) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	task := store.AsyncBacktestTask{
		TaskID:    id,
		Status:    store.TaskPending,
		Params:    params,
		StartedAt: &now,
	}
	if err := s.repo.Insert(ctx, task); err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	s.trackTransition(store.TaskPending)

	cancelCh := make(chan struct{})
	s.mu.Lock()
	s.cancels[id] = cancelCh
	s.mu.Unlock()

	go s.runTask(context.Background(), id, params, now, cancelCh)
	return id, nil
}

func (s *Supervisor) runTask(ctx context.Context, id string, params store.BacktestParams, startedAt time.Time, cancelCh chan struct{}) {
	s.setStatus(ctx, id, store.TaskRunning, nil, nil)
	s.trackTransition(store.TaskRunning)

	cancelled := false
	err := s.engine.Run(ctx, params,
		func(t time.Time) { s.updateCurrentTime(ctx, id, t) },
		func() bool {
			select {
			case <-cancelCh:
				cancelled = true
				return true
			default:
				return false
			}
		},
	)

	elapsed := time.Since(startedAt)
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()

	switch {
	case cancelled:
		s.finish(ctx, id, store.TaskCancelled, nil, elapsed)
	case err != nil:
		msg := err.Error()
		s.finish(ctx, id, store.TaskFailed, &msg, elapsed)
		log.Error().Err(err).Str("taskId", id).Msg("backtest task failed")
	default:
		s.finish(ctx, id, store.TaskCompleted, nil, elapsed)
	}
}

func (s *Supervisor) updateCurrentTime(ctx context.Context, id string, t time.Time) {
	task, err := s.repo.Get(ctx, id)
	if err != nil || task == nil {
		return
	}
	task.CurrentTime = &t
	if err := s.repo.Update(ctx, *task); err != nil {
		log.Warn().Err(err).Str("taskId", id).Msg("checkpoint update failed")
	}
}

func (s *Supervisor) setStatus(ctx context.Context, id string, status store.TaskStatus, errMsg *string, completedAt *time.Time) {
	task, err := s.repo.Get(ctx, id)
	if err != nil || task == nil {
		return
	}
	task.Status = status
	task.ErrorMessage = errMsg
	task.CompletedAt = completedAt
	if err := s.repo.Update(ctx, *task); err != nil {
		log.Warn().Err(err).Str("taskId", id).Str("status", string(status)).Msg("status update failed")
	}
}

func (s *Supervisor) finish(ctx context.Context, id string, status store.TaskStatus, errMsg *string, elapsed time.Duration) {
	task, err := s.repo.Get(ctx, id)
	if err != nil || task == nil {
		return
	}
	now := time.Now().UTC()
	task.Status = status
	task.ErrorMessage = errMsg
	task.CompletedAt = &now
	task.ProcessingTimeMs += elapsed.Milliseconds()
	if err := s.repo.Update(ctx, *task); err != nil {
		log.Warn().Err(err).Str("taskId", id).Msg("finish update failed")
	}
	s.trackTransition(status)
}

func (s *Supervisor) trackTransition(status store.TaskStatus) {
	if s.metrics != nil {
		s.metrics.TaskTransitions.WithLabelValues(string(status)).Inc()
	}
}

// GetProgress returns a task snapshot with ProcessingTimeMs derived as
// now - startedAt while running (§4.9).
func (s *Supervisor) GetProgress(ctx context.Context, id string) (*store.AsyncBacktestTask, error) {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return nil, nil
	}
	if task.Status == store.TaskRunning && task.StartedAt != nil {
		derived := *task
		derived.ProcessingTimeMs += time.Since(*task.StartedAt).Milliseconds()
		return &derived, nil
	}
	return task, nil
}

// Cancel transitions a pending|running task to cancelled (§4.9).
// Cancellation is cooperative: the running engine observes it at the next
// period boundary.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil || (task.Status != store.TaskPending && task.Status != store.TaskRunning) {
		return ErrTaskNotCancellable
	}

	s.mu.Lock()
	cancelCh, tracked := s.cancels[id]
	s.mu.Unlock()
	if tracked {
		close(cancelCh)
	} else {
		// Not owned by this process (e.g. restarted); mark terminal directly.
		s.setStatus(ctx, id, store.TaskCancelled, nil, timePtr(time.Now().UTC()))
		s.trackTransition(store.TaskCancelled)
	}
	return nil
}

// Resume replays the engine run from a crashed task's checkpoint (§4.9):
// defined only when status == running and currentTime is set.
func (s *Supervisor) Resume(ctx context.Context, id string) error {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil || task.Status != store.TaskRunning || task.CurrentTime == nil {
		return ErrTaskNotResumable
	}

	resumeParams := task.Params
	resumeParams.StartTime = *task.CurrentTime

	cancelCh := make(chan struct{})
	s.mu.Lock()
	s.cancels[id] = cancelCh
	s.mu.Unlock()

	go s.runTask(context.Background(), id, resumeParams, time.Now().UTC(), cancelCh)
	return nil
}

// Cleanup transitions a stuck running task to failed (§4.9).
func (s *Supervisor) Cleanup(ctx context.Context, id string) error {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return nil
	}
	msg := "task interrupted by restart"
	s.setStatus(ctx, id, store.TaskFailed, &msg, timePtr(time.Now().UTC()))
	s.trackTransition(store.TaskFailed)
	return nil
}

// ListInterrupted returns all tasks currently in running state (§4.9).
func (s *Supervisor) ListInterrupted(ctx context.Context) ([]store.AsyncBacktestTask, error) {
	return s.repo.ListByStatus(ctx, store.TaskRunning)
}

// CleanupAllInterrupted is the batch version of Cleanup (§4.9).
func (s *Supervisor) CleanupAllInterrupted(ctx context.Context) error {
	tasks, err := s.ListInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("list interrupted: %w", err)
	}
	for _, t := range tasks {
		if err := s.Cleanup(ctx, t.TaskID); err != nil {
			log.Warn().Err(err).Str("taskId", t.TaskID).Msg("cleanup failed")
		}
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
