package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oakbuilders/bid-finder/internal/models"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

const maxProgressLines = 200

// RunState is a snapshot of the current or most recent run.
type RunState struct {
	Phase     Phase             `json:"phase"`
	RunID     string            `json:"run_id,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Progress  []string          `json:"progress"`
	Summary   *models.SearchRun `json:"summary,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// RunFunc is satisfied by (*Pipeline).Run.
type RunFunc func(ctx context.Context, progress ProgressFunc) (*models.SearchRun, error)

// Runner allows one run at a time and records its progress.
type Runner struct {
	run     RunFunc
	timeout time.Duration

	mu    sync.Mutex
	state RunState
	done  chan struct{}
}

func NewRunner(run RunFunc, timeout time.Duration) *Runner {
	return &Runner{
		run:     run,
		timeout: timeout,
		state:   RunState{Phase: PhaseIdle},
	}
}

// Start launches a run in the background. The run outlives ctx's
// cancellation but not the runner timeout. While a run is active it returns
// that run's id and ErrRunInProgress.
func (r *Runner) Start(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.state.Phase == PhaseRunning {
		id := r.state.RunID
		r.mu.Unlock()
		return id, ErrRunInProgress
	}
	now := time.Now()
	id := uuid.New().String()[:8]
	r.state = RunState{Phase: PhaseRunning, RunID: id, StartedAt: &now}
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, r.timeout)
	}

	go func() {
		defer close(done)
		defer cancel()
		log.Printf("[run %s] started", id)
		summary, err := r.execute(runCtx)
		r.finish(summary, err)
		if err != nil {
			log.Printf("[run %s] failed: %v", id, err)
			return
		}
		log.Printf("[run %s] completed", id)
	}()
	return id, nil
}

func (r *Runner) execute(ctx context.Context) (summary *models.SearchRun, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			summary, err = nil, fmt.Errorf("run panicked: %v", rec)
		}
	}()
	return r.run(ctx, r.appendProgress)
}

func (r *Runner) appendProgress(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Progress = append(r.state.Progress, msg)
	if over := len(r.state.Progress) - maxProgressLines; over > 0 {
		r.state.Progress = append([]string(nil), r.state.Progress[over:]...)
	}
}

func (r *Runner) finish(summary *models.SearchRun, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.state.EndedAt = &now
	r.state.Summary = summary
	if err != nil {
		r.state.Phase = PhaseFailed
		r.state.Error = err.Error()
		return
	}
	r.state.Phase = PhaseCompleted
}

// Status returns a copy of the run state.
func (r *Runner) Status() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	s.Progress = append([]string(nil), r.state.Progress...)
	return s
}

// Wait blocks until the active run ends or ctx is done. It returns
// immediately when no run was started.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
