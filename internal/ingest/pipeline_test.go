package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/db"
	"github.com/oakbuilders/bid-finder/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	upserts   []models.Opportunity
	existing  map[string]bool
	failOn    map[string]error
	removed   int
	loggedRun *models.SearchRun
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{existing: make(map[string]bool), failOn: make(map[string]error)}
}

func (s *fakeStore) Upsert(_ context.Context, o *models.Opportunity) (db.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[o.SourceID]; err != nil {
		return db.UpsertResult{}, err
	}
	s.nextID++
	s.upserts = append(s.upserts, *o)
	key := o.Source + "/" + o.SourceID
	created := !s.existing[key]
	s.existing[key] = true
	return db.UpsertResult{ID: s.nextID, Created: created}, nil
}

func (s *fakeStore) Deduplicate(context.Context) (int, error) {
	return s.removed, nil
}

func (s *fakeStore) LogSearchRun(_ context.Context, run *models.SearchRun) (int64, error) {
	s.loggedRun = run
	return 42, nil
}

func strong(source, id string) models.Opportunity {
	return models.Opportunity{
		Title:           "Parking Garage Waterproofing " + id,
		Source:          source,
		SourceID:        id,
		ProjectType:     "waterproofing",
		MatchedKeywords: []string{"waterproofing"},
		LocationCounty:  "Fairfax County",
	}
}

func weak(source, id string) models.Opportunity {
	return models.Opportunity{Title: "Office Supplies " + id, Source: source, SourceID: id, ProjectType: models.ProjectTypeGeneral}
}

// testPipeline wires a pipeline whose sources resolve to the given adapters by id.
func testPipeline(t *testing.T, store RecordStore, adapters map[string]Adapter) *Pipeline {
	t.Helper()
	cfg := testConfig(t)
	cfg.Run.MaxAttempts = 2
	cfg.Run.BackoffSeconds = 3
	cfg.Run.MinStoreScore = 5

	factory := NewAdapterFactory()
	var sources []config.Source
	for _, id := range sortedKeys(adapters) {
		a := adapters[id]
		factory.Register(id, func(config.Source, Env) (Adapter, error) { return a, nil })
		sources = append(sources, config.Source{ID: id, Name: strings.ToUpper(id), Enabled: true})
	}

	p := NewPipeline(cfg, store)
	p.Factory = factory
	p.Sources = sources
	p.Env = testEnv(t)
	p.Scorer.Now = func() time.Time { return fixedNow }
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func sortedKeys(m map[string]Adapter) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func TestPipelineRunStoresAndCounts(t *testing.T) {
	store := newFakeStore()
	store.existing["a_source/old"] = true
	store.removed = 1

	p := testPipeline(t, store, map[string]Adapter{
		"a_source": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			return []models.Opportunity{strong("a_source", "new1"), strong("a_source", "old"), weak("a_source", "w1")}, nil
		}),
		"b_source": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			return []models.Opportunity{strong("b_source", "new2")}, nil
		}),
	})

	var progress []string
	run, err := p.Run(context.Background(), func(msg string) { progress = append(progress, msg) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.upserts) != 3 {
		t.Fatalf("upserts = %d, want 3 (weak result below floor)", len(store.upserts))
	}
	for _, o := range store.upserts {
		if o.RelevanceScore < 5 {
			t.Errorf("stored %s with score %d", o.SourceID, o.RelevanceScore)
		}
	}
	if run.TotalFound != 2 {
		t.Errorf("TotalFound = %d, want 3 stored - 1 removed", run.TotalFound)
	}
	if run.NewOpportunities != 1 {
		t.Errorf("NewOpportunities = %d, want 2 created - 1 removed", run.NewOpportunities)
	}
	if run.ID != 42 || store.loggedRun != run {
		t.Errorf("run was not logged: id=%d", run.ID)
	}
	if run.FoundPerSource["a_source"] != 3 || run.FoundPerSource["b_source"] != 1 {
		t.Errorf("FoundPerSource = %v", run.FoundPerSource)
	}
	if run.ByType["waterproofing"] != 3 || run.BySource["a_source"] != 2 {
		t.Errorf("ByType = %v BySource = %v", run.ByType, run.BySource)
	}
	if len(run.SourcesSearched) != 2 || len(run.Errors) != 0 {
		t.Errorf("searched = %v errors = %v", run.SourcesSearched, run.Errors)
	}

	var sawDiscard bool
	for _, line := range progress {
		if strings.Contains(line, "Discarded 1 low-quality") {
			sawDiscard = true
		}
	}
	if !sawDiscard {
		t.Errorf("progress missing discard line: %v", progress)
	}
}

func TestPipelineRetriesUnavailableOnly(t *testing.T) {
	var flakyCalls, authCalls int
	var waits []time.Duration

	p := testPipeline(t, newFakeStore(), map[string]Adapter{
		"flaky": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			flakyCalls++
			if flakyCalls == 1 {
				return nil, fmt.Errorf("%w: connection reset", ErrSourceUnavailable)
			}
			return []models.Opportunity{strong("flaky", "1")}, nil
		}),
		"locked": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			authCalls++
			return nil, fmt.Errorf("%w: api key not configured", ErrSourceAuthRequired)
		}),
	})
	p.Sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	found, run := p.Gather(context.Background(), nil)
	if len(found) != 1 || flakyCalls != 2 {
		t.Fatalf("found %d after %d calls", len(found), flakyCalls)
	}
	if authCalls != 1 {
		t.Errorf("auth failure retried %d times", authCalls)
	}
	if len(waits) != 1 || waits[0] != 3*time.Second {
		t.Errorf("waits = %v, want [3s]", waits)
	}
	if len(run.Errors) != 1 || !strings.Contains(run.Errors[0], "LOCKED") || !strings.Contains(run.Errors[0], "failed after 1 attempts") {
		t.Errorf("errors = %v", run.Errors)
	}
	if run.FoundPerSource["locked"] != 0 {
		t.Errorf("failed source count = %d", run.FoundPerSource["locked"])
	}
}

func TestPipelineGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	p := testPipeline(t, newFakeStore(), map[string]Adapter{
		"down": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			calls++
			return nil, fmt.Errorf("%w: 503", ErrSourceUnavailable)
		}),
	})

	_, run := p.Gather(context.Background(), nil)
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(run.Errors) != 1 || !strings.Contains(run.Errors[0], "failed after 2 attempts") {
		t.Errorf("errors = %v", run.Errors)
	}
}

func TestPipelineAdapterPanicIsolated(t *testing.T) {
	p := testPipeline(t, newFakeStore(), map[string]Adapter{
		"a_broken": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			var m map[string]int
			m["boom"]++
			return nil, nil
		}),
		"b_fine": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			return []models.Opportunity{strong("b_fine", "1")}, nil
		}),
	})

	found, run := p.Gather(context.Background(), nil)
	if len(found) != 1 {
		t.Fatalf("found = %d, want the healthy source's result", len(found))
	}
	if len(run.Errors) != 1 || !strings.Contains(run.Errors[0], "adapter panic") {
		t.Errorf("errors = %v", run.Errors)
	}
}

func TestPipelineTimeBudgetSkipsRemaining(t *testing.T) {
	now := fixedNow
	p := testPipeline(t, newFakeStore(), map[string]Adapter{
		"a_slow": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			now = now.Add(10 * time.Minute)
			return []models.Opportunity{strong("a_slow", "1")}, nil
		}),
		"b_next": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			t.Error("source after the budget should not run")
			return nil, nil
		}),
		"c_last": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			t.Error("source after the budget should not run")
			return nil, nil
		}),
	})
	p.Config.Run.MaxTotalSeconds = 420
	p.Clock = func() time.Time { return now }

	found, run := p.Gather(context.Background(), nil)
	if len(found) != 1 {
		t.Fatalf("found = %d", len(found))
	}
	if len(run.Skipped) != 2 || run.Skipped[0] != "b_next" {
		t.Errorf("skipped = %v", run.Skipped)
	}
	if len(run.Errors) != 1 || run.Errors[0] != "Skipped due to time limit: B_NEXT, C_LAST" {
		t.Errorf("errors = %v", run.Errors)
	}
}

func TestPipelineCancelSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := testPipeline(t, newFakeStore(), map[string]Adapter{
		"a_first": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			cancel()
			return []models.Opportunity{strong("a_first", "1")}, nil
		}),
		"b_next": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			t.Error("source after cancellation should not run")
			return nil, nil
		}),
		"c_last": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			t.Error("source after cancellation should not run")
			return nil, nil
		}),
	})

	found, run := p.Gather(ctx, nil)
	if len(found) != 1 {
		t.Fatalf("found = %d", len(found))
	}
	if strings.Join(run.Skipped, ",") != "b_next,c_last" {
		t.Errorf("skipped = %v", run.Skipped)
	}
	if len(run.Errors) != 1 || !strings.HasSuffix(run.Errors[0], "B_NEXT, C_LAST") {
		t.Errorf("errors = %v", run.Errors)
	}
}

func TestPipelinePDFLookupBudgetIsPerRun(t *testing.T) {
	p := testPipeline(t, newFakeStore(), map[string]Adapter{"a_source": nil})
	p.Config.Run.PDFDueDateLookups = 3

	var taken []int
	p.Factory.Register("a_source", func(_ config.Source, env Env) (Adapter, error) {
		return AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			n := 0
			for env.PDFLookups.Take() {
				n++
			}
			taken = append(taken, n)
			return nil, nil
		}), nil
	})

	// A budget spent outside a run must not leak into the next one.
	for p.Env.PDFLookups.Take() {
	}
	for i := 0; i < 2; i++ {
		if _, err := p.Run(context.Background(), nil); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if len(taken) != 2 || taken[0] != 3 || taken[1] != 3 {
		t.Errorf("lookups per run = %v, want [3 3]", taken)
	}
}

func TestPipelineStoreErrors(t *testing.T) {
	store := newFakeStore()
	store.failOn["bad"] = fmt.Errorf("%w: title empty", db.ErrConstraintViolation)
	store.failOn["broken"] = errors.New("connection refused")

	p := testPipeline(t, store, map[string]Adapter{
		"src": AdapterFunc(func(context.Context) ([]models.Opportunity, error) {
			return []models.Opportunity{strong("src", "bad"), strong("src", "broken"), strong("src", "ok")}, nil
		}),
	})

	run, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.TotalFound != 1 {
		t.Errorf("TotalFound = %d, want 1", run.TotalFound)
	}
	if len(run.Errors) != 1 || !strings.Contains(run.Errors[0], "connection refused") {
		t.Errorf("errors = %v, want only the non-constraint failure", run.Errors)
	}
}

func TestScoreAllOrdersByTotal(t *testing.T) {
	p := testPipeline(t, newFakeStore(), map[string]Adapter{})
	in := []models.Opportunity{weak("s", "1"), strong("s", "2"), weak("s", "3")}

	out := p.ScoreAll(in)
	if out[0].Opportunity.SourceID != "2" {
		t.Fatalf("first = %s, want the strong match", out[0].Opportunity.SourceID)
	}
	if out[1].Opportunity.SourceID != "1" || out[2].Opportunity.SourceID != "3" {
		t.Errorf("equal scores reordered: %s %s", out[1].Opportunity.SourceID, out[2].Opportunity.SourceID)
	}
	if out[0].Opportunity.RelevanceScore != out[0].Breakdown.Total || out[0].Breakdown.Location != 25 {
		t.Errorf("breakdown = %+v", out[0].Breakdown)
	}
}
