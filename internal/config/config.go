package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// EnvConfigPath names the environment variable holding an optional override file.
const EnvConfigPath = "BIDFINDER_CONFIG"

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the firm profile plus the source registry.
type Config struct {
	Company       Company         `yaml:"company"`
	Keywords      []KeywordBucket `yaml:"keywords"`
	FilterTerms   []string        `yaml:"filter_terms"`
	ServiceArea   ServiceArea     `yaml:"service_area"`
	Scoring       Scoring         `yaml:"scoring"`
	Run           Run             `yaml:"run"`
	Notifications Notifications   `yaml:"notifications"`
	Sources       []Source        `yaml:"sources"`
}

type Company struct {
	Name          string   `yaml:"name"`
	NAICSCodes    []string `yaml:"naics_codes"`
	ProjectMin    float64  `yaml:"project_min"`
	ProjectMax    float64  `yaml:"project_max"`
	CoreSpecialty string   `yaml:"core_specialty"` // keyword bucket that earns the core bonus
}

// KeywordBucket is one project type and the terms that indicate it.
// Declaration order matters: it breaks ties when classifying.
type KeywordBucket struct {
	Type  string   `yaml:"type"`
	Terms []string `yaml:"terms"`
}

type ServiceArea struct {
	Cities       []string `yaml:"cities"`
	Counties     []string `yaml:"counties"`
	ZipPrefixes  []string `yaml:"zip_prefixes"`
	States       []string `yaml:"states"`
	DefaultState string   `yaml:"default_state"`
}

type Caps struct {
	Keyword  int `yaml:"keyword"`
	Location int `yaml:"location"`
	Budget   int `yaml:"budget"`
	Deadline int `yaml:"deadline"`
	SetAside int `yaml:"set_aside"`
}

func (c Caps) Sum() int {
	return c.Keyword + c.Location + c.Budget + c.Deadline + c.SetAside
}

type DeadlineBand struct {
	MaxDays int `yaml:"max_days"` // exclusive upper bound
	Points  int `yaml:"points"`
}

type Scoring struct {
	Caps                Caps           `yaml:"caps"`
	KeywordPerMatch     int            `yaml:"keyword_per_match"`
	CoreBonus           int            `yaml:"core_bonus"`
	ZipDeduction        int            `yaml:"zip_deduction"`
	OverlapRatio        float64        `yaml:"overlap_ratio"`
	UnderRangeRatio     float64        `yaml:"under_range_ratio"`
	UnderRangeFloor     float64        `yaml:"under_range_floor"`
	OverRangeRatio      float64        `yaml:"over_range_ratio"`
	OverRangeCeiling    float64        `yaml:"over_range_ceiling"`
	DeadlineBands       []DeadlineBand `yaml:"deadline_bands"`
	DeadlineFarPoints   int            `yaml:"deadline_far_points"`
	FavorableSetAsides  []string       `yaml:"favorable_set_asides"`
	OpenSetAsides       []string       `yaml:"open_set_asides"`
	OtherSetAsidePoints int            `yaml:"other_set_aside_points"`
	HighRelevance       int            `yaml:"high_relevance"`
}

type Run struct {
	MaxTotalSeconds       int `yaml:"max_total_seconds"`
	MaxAttempts           int `yaml:"max_attempts"`
	BackoffSeconds        int `yaml:"backoff_seconds"`
	AdapterTimeoutSeconds int `yaml:"adapter_timeout_seconds"`
	MinStoreScore         int `yaml:"min_store_score"`
	PDFDueDateLookups     int `yaml:"pdf_due_date_lookups"`
}

func (r Run) MaxTotal() time.Duration {
	return time.Duration(r.MaxTotalSeconds) * time.Second
}

func (r Run) Backoff() time.Duration {
	return time.Duration(r.BackoffSeconds) * time.Second
}

func (r Run) AdapterTimeout() time.Duration {
	return time.Duration(r.AdapterTimeoutSeconds) * time.Second
}

type Notifications struct {
	MinScore int `yaml:"min_score"`
}

// FetchConfig defines HTTP fetching behaviour for a source.
type FetchConfig struct {
	TimeoutSeconds  int     `yaml:"timeout_seconds,omitempty"` // Default: 12
	MaxRetries      int     `yaml:"max_retries,omitempty"`     // Default: 1
	RateLimitRPS    float64 `yaml:"rate_limit_rps,omitempty"`  // Default: 1.0
	Engine          string  `yaml:"engine,omitempty"`          // "http" (default) or "colly"
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds,omitempty"`
	UserAgent       string  `yaml:"user_agent,omitempty"`
}

type SelectorConfig struct {
	Rows string `yaml:"rows,omitempty"` // overrides the listing cascade when set
	Next string `yaml:"next,omitempty"` // CSS selector for the next page link
}

type Credentials struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Source is a single procurement source.
type Source struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Adapter       string            `yaml:"adapter,omitempty"` // registry key; empty falls back to ID, then html
	Enabled       bool              `yaml:"enabled"`
	Tier          int               `yaml:"tier,omitempty"`
	Cost          string            `yaml:"cost,omitempty"`
	State         string            `yaml:"state,omitempty"`
	County        string            `yaml:"county,omitempty"`
	BaseURL       string            `yaml:"base_url,omitempty"`
	APIURL        string            `yaml:"api_url,omitempty"`
	APIKey        string            `yaml:"api_key,omitempty"`
	LoginURL      string            `yaml:"login_url,omitempty"`
	Credentials   Credentials       `yaml:"credentials,omitempty"`
	RespectRobots bool              `yaml:"respect_robots,omitempty"`
	MaxPages      int               `yaml:"max_pages,omitempty"`
	Fetch         FetchConfig       `yaml:"fetch,omitempty"`
	Selectors     SelectorConfig    `yaml:"selectors,omitempty"`
	Fields        map[string]string `yaml:"fields,omitempty"`
	Params        map[string]string `yaml:"params,omitempty"`
}

// Timeout is the per-request network timeout.
func (s Source) Timeout() time.Duration {
	if s.Fetch.TimeoutSeconds <= 0 {
		return 12 * time.Second
	}
	return time.Duration(s.Fetch.TimeoutSeconds) * time.Second
}

// Field returns the configured field mapping, or def. Values may list
// alternatives separated by "|".
func (s Source) Field(name, def string) string {
	if v, ok := s.Fields[name]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func (s Source) Param(name, def string) string {
	if v, ok := s.Params[name]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// ParamList splits a comma separated parameter.
func (s Source) ParamList(name string, def []string) []string {
	raw := s.Param(name, "")
	if raw == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads the embedded defaults, then applies the override file if one is
// given (or named by BIDFINDER_CONFIG). Override values replace defaults per key.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(defaultsYAML))), &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the scorer and orchestrator rely on.
func (c *Config) Validate() error {
	var errs []error

	caps := c.Scoring.Caps
	for name, v := range map[string]int{
		"keyword": caps.Keyword, "location": caps.Location, "budget": caps.Budget,
		"deadline": caps.Deadline, "set_aside": caps.SetAside,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("scoring.caps.%s must not be negative", name))
		}
	}
	if sum := caps.Sum(); sum > 100 {
		errs = append(errs, fmt.Errorf("scoring caps sum to %d, must be at most 100", sum))
	} else if sum != 100 {
		log.Printf("[config] scoring caps sum to %d, scores will not reach 100", sum)
	}

	if c.Company.ProjectMin > c.Company.ProjectMax {
		errs = append(errs, fmt.Errorf("company.project_min %.0f exceeds project_max %.0f", c.Company.ProjectMin, c.Company.ProjectMax))
	}
	if len(c.Keywords) == 0 {
		errs = append(errs, errors.New("at least one keyword bucket is required"))
	}

	seen := make(map[string]bool)
	for i, src := range c.Sources {
		if src.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d] has no id", i))
			continue
		}
		if seen[src.ID] {
			errs = append(errs, fmt.Errorf("duplicate source id %q", src.ID))
		}
		seen[src.ID] = true
	}

	if c.Run.MaxTotalSeconds <= 0 {
		errs = append(errs, errors.New("run.max_total_seconds must be positive"))
	}
	if c.Run.MaxAttempts <= 0 {
		errs = append(errs, errors.New("run.max_attempts must be positive"))
	}
	if c.Run.AdapterTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("run.adapter_timeout_seconds must be positive"))
	}
	if c.Run.BackoffSeconds < 0 || c.Run.MinStoreScore < 0 {
		errs = append(errs, errors.New("run.backoff_seconds and run.min_store_score must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// EnabledSources returns enabled sources in declaration order.
func (c *Config) EnabledSources() []Source {
	var out []Source
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) SourceByID(id string) (Source, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}

// Bucket returns the terms of the named keyword bucket.
func (c *Config) Bucket(projectType string) []string {
	for _, b := range c.Keywords {
		if b.Type == projectType {
			return b.Terms
		}
	}
	return nil
}
