package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oakbuilders/bid-finder/internal/models"
)

func TestRunnerSingleRunAtATime(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	r := NewRunner(func(ctx context.Context, progress ProgressFunc) (*models.SearchRun, error) {
		progress("Scanning FAIRFAX (1/1)...")
		close(started)
		<-release
		return &models.SearchRun{ID: 7, TotalFound: 3}, nil
	}, time.Minute)

	if st := r.Status(); st.Phase != PhaseIdle {
		t.Fatalf("initial phase = %s", st.Phase)
	}

	id, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(id) != 8 {
		t.Errorf("run id = %q", id)
	}
	<-started

	again, err := r.Start(context.Background())
	if !errors.Is(err, ErrRunInProgress) || again != id {
		t.Fatalf("second Start = %q, %v; want %q, ErrRunInProgress", again, err, id)
	}

	st := r.Status()
	if st.Phase != PhaseRunning || st.StartedAt == nil || len(st.Progress) != 1 {
		t.Errorf("running status = %+v", st)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	st = r.Status()
	if st.Phase != PhaseCompleted || st.Summary == nil || st.Summary.ID != 7 || st.EndedAt == nil {
		t.Errorf("completed status = %+v", st)
	}

	next, err := r.Start(context.Background())
	if err != nil || next == id {
		t.Errorf("restart after completion = %q, %v", next, err)
	}
	_ = r.Wait(ctx)
}

func TestRunnerRecordsFailureAndPanic(t *testing.T) {
	r := NewRunner(func(context.Context, ProgressFunc) (*models.SearchRun, error) {
		return nil, fmt.Errorf("log search run: %w", errors.New("db down"))
	}, 0)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = r.Wait(context.Background())
	if st := r.Status(); st.Phase != PhaseFailed || st.Error != "log search run: db down" {
		t.Errorf("failed status = %+v", st)
	}

	r = NewRunner(func(context.Context, ProgressFunc) (*models.SearchRun, error) {
		panic("nil adapter")
	}, 0)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = r.Wait(context.Background())
	if st := r.Status(); st.Phase != PhaseFailed || st.Error != "run panicked: nil adapter" {
		t.Errorf("panic status = %+v", st)
	}
}

func TestRunnerOutlivesRequestContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(func(runCtx context.Context, _ ProgressFunc) (*models.SearchRun, error) {
		cancel()
		time.Sleep(10 * time.Millisecond)
		return &models.SearchRun{}, runCtx.Err()
	}, time.Minute)

	if _, err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	_ = r.Wait(context.Background())
	if st := r.Status(); st.Phase != PhaseCompleted {
		t.Errorf("phase = %s, error = %q", st.Phase, st.Error)
	}
}

func TestRunnerProgressIsBounded(t *testing.T) {
	r := NewRunner(func(_ context.Context, progress ProgressFunc) (*models.SearchRun, error) {
		for i := 0; i < maxProgressLines+50; i++ {
			progress(fmt.Sprintf("line %d", i))
		}
		return &models.SearchRun{}, nil
	}, 0)
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = r.Wait(context.Background())

	st := r.Status()
	if len(st.Progress) != maxProgressLines {
		t.Fatalf("progress lines = %d", len(st.Progress))
	}
	if st.Progress[0] != "line 50" {
		t.Errorf("oldest line = %q", st.Progress[0])
	}
}

func TestRunnerConcurrentStartsOnlyOneWins(t *testing.T) {
	release := make(chan struct{})
	var executions int32
	var mu sync.Mutex
	r := NewRunner(func(ctx context.Context, progress ProgressFunc) (*models.SearchRun, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		<-release
		return &models.SearchRun{}, nil
	}, time.Minute)

	const callers = 16
	var wg sync.WaitGroup
	gate := make(chan struct{})
	errs := make([]error, callers)
	ids := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-gate
			ids[i], errs[i] = r.Start(context.Background())
		}(i)
	}
	close(gate)
	wg.Wait()

	winners := 0
	var winner string
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
			winner = ids[i]
		case !errors.Is(err, ErrRunInProgress):
			t.Errorf("caller %d: unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	for i, err := range errs {
		if err != nil && ids[i] != winner {
			t.Errorf("caller %d got run id %q, want active %q", i, ids[i], winner)
		}
	}

	close(release)
	r.Wait(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if executions != 1 {
		t.Errorf("executions = %d, want 1", executions)
	}
}
