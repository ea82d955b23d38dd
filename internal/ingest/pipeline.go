package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/db"
	"github.com/oakbuilders/bid-finder/internal/models"
	"github.com/oakbuilders/bid-finder/internal/profile"
	"github.com/oakbuilders/bid-finder/internal/score"
)

// RecordStore is the part of the store a run writes to.
type RecordStore interface {
	Upsert(ctx context.Context, o *models.Opportunity) (db.UpsertResult, error)
	Deduplicate(ctx context.Context) (int, error)
	LogSearchRun(ctx context.Context, run *models.SearchRun) (int64, error)
}

// ProgressFunc receives human readable progress lines.
type ProgressFunc func(msg string)

// ScoredOpportunity pairs a candidate with its score breakdown.
type ScoredOpportunity struct {
	Opportunity models.Opportunity
	Breakdown   score.Breakdown
}

// Pipeline runs every enabled source in order, scores what they return and
// persists the survivors.
type Pipeline struct {
	Config  *config.Config
	Store   RecordStore
	Scorer  *score.Scorer
	Factory *AdapterFactory
	Env     Env

	// Sources overrides the enabled sources from Config when non-nil.
	Sources []config.Source

	// Clock and Sleep are replaced in tests.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(cfg *config.Config, store RecordStore) *Pipeline {
	matcher := profile.New(cfg)
	return &Pipeline{
		Config:  cfg,
		Store:   store,
		Scorer:  score.New(cfg, matcher),
		Factory: GlobalAdapterFactory,
		Env:     NewEnv(cfg, matcher),
		Clock:   time.Now,
		Sleep:   sleepCtx,
	}
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

func (p *Pipeline) sources() []config.Source {
	if p.Sources != nil {
		return p.Sources
	}
	return p.Config.EnabledSources()
}

func emit(progress ProgressFunc, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[pipeline] %s", msg)
	if progress != nil {
		progress(msg)
	}
}

// Gather invokes each source adapter under the run time budget. The returned
// run has its source bookkeeping and errors filled in.
func (p *Pipeline) Gather(ctx context.Context, progress ProgressFunc) ([]models.Opportunity, *models.SearchRun) {
	start := p.now()
	sources := p.sources()
	run := &models.SearchRun{
		RunDate:        start,
		FoundPerSource: make(map[string]int),
		ByType:         make(map[string]int),
		BySource:       make(map[string]int),
	}
	budget := p.Config.Run.MaxTotal()

	// PDF lookups are budgeted per run, not per pipeline.
	env := p.Env
	env.PDFLookups = NewLookupBudget(p.Config.Run.PDFDueDateLookups)

	var all []models.Opportunity
	for i, src := range sources {
		if budget > 0 && p.now().Sub(start) >= budget {
			names := skipRest(run, sources[i:])
			emit(progress, "Time limit reached (%ds), skipping remaining sources", p.Config.Run.MaxTotalSeconds)
			run.Errors = append(run.Errors, "Skipped due to time limit: "+strings.Join(names, ", "))
			break
		}
		if ctx.Err() != nil {
			names := skipRest(run, sources[i:])
			emit(progress, "Run canceled, skipping remaining sources")
			run.Errors = append(run.Errors, fmt.Sprintf("Skipped due to cancellation (%v): %s", ctx.Err(), strings.Join(names, ", ")))
			break
		}

		emit(progress, "Scanning %s (%d/%d)...", src.Name, i+1, len(sources))
		found, err := p.runSource(ctx, src, env, progress)
		run.SourcesSearched = append(run.SourcesSearched, src.ID)
		run.FoundPerSource[src.ID] = len(found)
		if err != nil {
			run.Errors = append(run.Errors, err.Error())
			emit(progress, "ERROR %s", err)
			continue
		}
		emit(progress, "Found %d opportunities from %s", len(found), src.Name)
		all = append(all, found...)
	}
	return all, run
}

// skipRest records sources that were never invoked and returns their names.
func skipRest(run *models.SearchRun, rest []config.Source) []string {
	names := make([]string, 0, len(rest))
	for _, src := range rest {
		names = append(names, src.Name)
		run.Skipped = append(run.Skipped, src.ID)
	}
	return names
}

// runSource retries unavailable sources with linear backoff. Auth failures
// and anything else are reported after the first attempt.
func (p *Pipeline) runSource(ctx context.Context, src config.Source, env Env, progress ProgressFunc) ([]models.Opportunity, error) {
	adapter, err := p.Factory.For(src, env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src.Name, err)
	}

	attempts := p.Config.Run.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		found, err := p.invoke(ctx, src, adapter)
		if err == nil {
			if pf, ok := adapter.(ParseFailureCounter); ok && pf.ParseFailures() > 0 {
				emit(progress, "%s: skipped %d unparseable listings", src.Name, pf.ParseFailures())
			}
			return found, nil
		}
		lastErr = err
		if !errors.Is(err, ErrSourceUnavailable) || attempt == attempts {
			break
		}
		wait := p.Config.Run.Backoff() * time.Duration(attempt)
		emit(progress, "Retry %d/%d for %s in %s: %v", attempt, attempts-1, src.Name, wait, err)
		sleep := p.Sleep
		if sleep == nil {
			sleep = sleepCtx
		}
		if err := sleep(ctx, wait); err != nil {
			break
		}
	}
	if attempt > attempts {
		attempt = attempts
	}
	return nil, fmt.Errorf("%s: %w (failed after %d attempts)", src.Name, lastErr, attempt)
}

// invoke runs one adapter attempt under the adapter timeout. A panic is
// reported as an error.
func (p *Pipeline) invoke(ctx context.Context, src config.Source, adapter Adapter) (found []models.Opportunity, err error) {
	if timeout := p.Config.Run.AdapterTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] adapter panic: %v", src.ID, r)
			found, err = nil, fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return adapter.Fetch(ctx)
}

// ScoreAll scores candidates and orders them by total, highest first.
// Equal scores keep their gathering order.
func (p *Pipeline) ScoreAll(candidates []models.Opportunity) []ScoredOpportunity {
	out := make([]ScoredOpportunity, 0, len(candidates))
	for _, o := range candidates {
		b := p.Scorer.Score(o)
		o.RelevanceScore = b.Total
		out = append(out, ScoredOpportunity{Opportunity: o, Breakdown: b})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Breakdown.Total > out[j].Breakdown.Total
	})
	return out
}

// Run executes a full pass and logs it as a search run.
func (p *Pipeline) Run(ctx context.Context, progress ProgressFunc) (*models.SearchRun, error) {
	start := p.now()
	candidates, run := p.Gather(ctx, progress)

	emit(progress, "Scoring %d opportunities...", len(candidates))
	scored := p.ScoreAll(candidates)

	floor := p.Config.Run.MinStoreScore
	var stored, created int
	discarded := 0
	for i := range scored {
		o := &scored[i].Opportunity
		if o.RelevanceScore < floor {
			discarded++
			continue
		}
		res, err := p.Store.Upsert(ctx, o)
		if err != nil {
			if errors.Is(err, db.ErrConstraintViolation) {
				log.Printf("[pipeline] skipping %s/%s: %v", o.Source, o.SourceID, err)
				continue
			}
			run.Errors = append(run.Errors, fmt.Sprintf("store %s/%s: %v", o.Source, o.SourceID, err))
			continue
		}
		o.ID = res.ID
		stored++
		if res.Created {
			created++
		}
		run.ByType[o.ProjectType]++
		run.BySource[o.Source]++
	}
	if discarded > 0 {
		emit(progress, "Discarded %d low-quality results (score < %d)", discarded, floor)
	}

	removed, err := p.Store.Deduplicate(ctx)
	if err != nil {
		run.Errors = append(run.Errors, fmt.Sprintf("deduplicate: %v", err))
		removed = 0
	} else if removed > 0 {
		emit(progress, "Removed %d cross-source duplicates", removed)
	}

	run.TotalFound = stored - removed
	if run.TotalFound < 0 {
		run.TotalFound = 0
	}
	run.NewOpportunities = created - removed
	if run.NewOpportunities < 0 {
		run.NewOpportunities = 0
	}
	run.DurationSeconds = p.now().Sub(start).Seconds()

	id, err := p.Store.LogSearchRun(ctx, run)
	if err != nil {
		return run, fmt.Errorf("log search run: %w", err)
	}
	run.ID = id
	emit(progress, "Search complete: %d stored, %d new, %d errors", run.TotalFound, run.NewOpportunities, len(run.Errors))
	return run, nil
}
