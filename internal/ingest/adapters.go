package ingest

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oakbuilders/bid-finder/internal/config"
	"github.com/oakbuilders/bid-finder/internal/models"
	"github.com/oakbuilders/bid-finder/internal/profile"
)

const (
	KindSAMGov    = "sam_gov"
	KindArcGIS    = "arcgis"
	KindSocrata   = "socrata"
	KindHTML      = "html"
	KindPermits   = "permits"
	KindPortal    = "portal"
	KindWordPress = "wordpress"
)

// Env carries the shared collaborators every adapter is built with.
type Env struct {
	Matcher *profile.Matcher
	// NAICS codes queried by federal APIs.
	NAICS []string
	// Fetcher replaces the per-source fetcher. Tests use it to inject fakes.
	Fetcher Fetcher
	Robots  *RobotsChecker
	// PDFLookups bounds how many attachments a run may download for due dates.
	PDFLookups *LookupBudget
	// AllowPrivate lets fetchers reach loopback addresses.
	AllowPrivate bool
	Now          func() time.Time
}

// NewEnv builds the default adapter environment for cfg.
func NewEnv(cfg *config.Config, matcher *profile.Matcher) Env {
	return Env{
		Matcher:    matcher,
		NAICS:      cfg.Company.NAICSCodes,
		Robots:     NewRobotsChecker(defaultUserAgent, 10*time.Second),
		PDFLookups: NewLookupBudget(cfg.Run.PDFDueDateLookups),
		Now:        time.Now,
	}
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// fetcherFor returns the injected fetcher or builds one from the source's fetch settings.
func (e Env) fetcherFor(src config.Source, opts ...FetcherOption) Fetcher {
	if e.Fetcher != nil {
		return e.Fetcher
	}
	fc := src.Fetch
	if fc.TimeoutSeconds <= 0 {
		fc.TimeoutSeconds = int(src.Timeout() / time.Second)
	}
	if strings.EqualFold(fc.Engine, "colly") {
		cf := NewCollyFetcher(fc)
		cf.AllowPrivate = e.AllowPrivate
		return cf
	}
	if e.AllowPrivate {
		opts = append(opts, WithAllowPrivate())
	}
	return NewRateLimitedFetcher(fc, opts...)
}

// LookupBudget is a run-wide counter shared by adapters.
type LookupBudget struct {
	mu        sync.Mutex
	remaining int
}

func NewLookupBudget(n int) *LookupBudget {
	return &LookupBudget{remaining: n}
}

// Take consumes one lookup, reporting false once the budget is spent.
func (b *LookupBudget) Take() bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// AdapterConstructor builds an adapter for one configured source.
type AdapterConstructor func(src config.Source, env Env) (Adapter, error)

// AdapterFactory maps adapter kinds to constructors.
type AdapterFactory struct {
	mu           sync.RWMutex
	constructors map[string]AdapterConstructor
}

func NewAdapterFactory() *AdapterFactory {
	return &AdapterFactory{
		constructors: make(map[string]AdapterConstructor),
	}
}

func (f *AdapterFactory) Register(kind string, ctor AdapterConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// Kinds lists the registered adapter kinds.
func (f *AdapterFactory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the kind used for src: its adapter key, then its id, then html.
func (f *AdapterFactory) Resolve(src config.Source) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, key := range []string{src.Adapter, src.ID} {
		if _, ok := f.constructors[key]; ok && key != "" {
			return key
		}
	}
	return KindHTML
}

// For builds the adapter for src.
func (f *AdapterFactory) For(src config.Source, env Env) (Adapter, error) {
	kind := f.Resolve(src)
	f.mu.RLock()
	ctor, ok := f.constructors[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter not registered: %s", kind)
	}
	if env.Matcher == nil {
		return nil, fmt.Errorf("adapter %s: matcher is required", src.ID)
	}
	return ctor(src, env)
}

var GlobalAdapterFactory = NewAdapterFactory()

func init() {
	GlobalAdapterFactory.Register(KindSAMGov, NewSAMGovAdapter)
	GlobalAdapterFactory.Register(KindArcGIS, NewArcGISAdapter)
	GlobalAdapterFactory.Register(KindSocrata, NewSocrataAdapter)
	GlobalAdapterFactory.Register(KindHTML, NewHTMLAdapter)
	GlobalAdapterFactory.Register(KindPermits, NewPermitsAdapter)
	GlobalAdapterFactory.Register(KindPortal, NewPortalAdapter)
	GlobalAdapterFactory.Register(KindWordPress, NewWordPressAdapter)
}

// sourceBase holds what every adapter shares.
type sourceBase struct {
	src           config.Source
	env           Env
	parseFailures int
}

func (b *sourceBase) name() string {
	if b.src.Name != "" {
		return b.src.Name
	}
	return b.src.ID
}

// ParseFailures is the number of listings skipped during the last Fetch.
func (b *sourceBase) ParseFailures() int {
	return b.parseFailures
}

func (b *sourceBase) newOpportunity(title string) models.Opportunity {
	return models.Opportunity{
		Title:     cleanText(title),
		Source:    b.src.ID,
		ScrapedAt: b.env.now(),
		Status:    models.StatusNew,
	}
}

// classify fills type, keywords and missing location fields from text.
func (b *sourceBase) classify(o *models.Opportunity, text string) {
	if o.LocationCounty == "" && b.src.County != "" {
		o.LocationCounty = b.src.County
	}
	b.env.Matcher.Apply(o, text, b.src.State)
	if o.ProjectType == "" {
		o.ProjectType = models.ProjectTypeGeneral
	}
}

// each runs fn for every item index, logging and counting a panic instead
// of letting one malformed listing abort the source.
func (b *sourceBase) each(n int, fn func(i int)) {
	for i := 0; i < n; i++ {
		b.guard(func() { fn(i) })
	}
}

func (b *sourceBase) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.parseFailures++
			log.Printf("[%s] error parsing listing: %v", b.src.ID, r)
		}
	}()
	fn()
}

// ParseFailureCounter is implemented by adapters that count skipped listings.
type ParseFailureCounter interface {
	ParseFailures() int
}
