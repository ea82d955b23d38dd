package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("SAM_GOV_API_KEY", "test-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.Scoring.Caps.Sum(); got != 100 {
		t.Errorf("caps sum = %d, want 100", got)
	}
	if cfg.Run.MaxTotalSeconds != 420 || cfg.Run.MaxAttempts != 2 || cfg.Run.MinStoreScore != 5 {
		t.Errorf("unexpected run defaults: %+v", cfg.Run)
	}
	if cfg.Keywords[0].Type != cfg.Company.CoreSpecialty {
		t.Errorf("first bucket = %q, want core specialty %q", cfg.Keywords[0].Type, cfg.Company.CoreSpecialty)
	}

	sam, ok := cfg.SourceByID("sam_gov")
	if !ok {
		t.Fatal("sam_gov source missing")
	}
	if sam.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want env expansion", sam.APIKey)
	}
	if got := sam.ParamList("states", nil); len(got) != 3 {
		t.Errorf("states = %v", got)
	}

	for _, s := range cfg.EnabledSources() {
		if s.Cost == "paid" {
			t.Errorf("paid source %s should be disabled by default", s.ID)
		}
	}
}

func TestLoadOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "override.yaml")
	body := `
run:
  max_total_seconds: 60
company:
  project_max: 900000
sources:
  - id: only_one
    name: "Only One"
    enabled: true
    base_url: "https://example.gov/bids"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", path, err)
	}
	if cfg.Run.MaxTotalSeconds != 60 {
		t.Errorf("max_total_seconds = %d, want 60", cfg.Run.MaxTotalSeconds)
	}
	// Keys not present in the override keep their defaults.
	if cfg.Run.MaxAttempts != 2 {
		t.Errorf("max_attempts = %d, want default 2", cfg.Run.MaxAttempts)
	}
	if cfg.Company.ProjectMin != 50000 || cfg.Company.ProjectMax != 900000 {
		t.Errorf("project range = %.0f-%.0f", cfg.Company.ProjectMin, cfg.Company.ProjectMax)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].ID != "only_one" {
		t.Errorf("sources not replaced: %d entries", len(cfg.Sources))
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}
	t.Setenv(EnvConfigPath, "")

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"caps over 100", func(c *Config) { c.Scoring.Caps.Keyword = 60 }},
		{"negative cap", func(c *Config) { c.Scoring.Caps.SetAside = -1 }},
		{"inverted range", func(c *Config) { c.Company.ProjectMin = 3_000_000 }},
		{"no buckets", func(c *Config) { c.Keywords = nil }},
		{"duplicate source", func(c *Config) { c.Sources = append(c.Sources, c.Sources[0]) }},
		{"zero attempts", func(c *Config) { c.Run.MaxAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestSourceFieldFallback(t *testing.T) {
	s := Source{Fields: map[string]string{"title": "solicitation_title"}}
	if got := s.Field("title", "TITLE"); got != "solicitation_title" {
		t.Errorf("Field(title) = %q", got)
	}
	if got := s.Field("number", "NUMBER"); got != "NUMBER" {
		t.Errorf("Field(number) = %q", got)
	}
	if got := s.Timeout().Seconds(); got != 12 {
		t.Errorf("default timeout = %v", got)
	}
}
