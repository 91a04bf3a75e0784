// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crm-enrichment/internal/domain/model"
)

const (
	WorkflowLeadEnrichment    = "lead_enrichment"
	WorkflowContactExtraction = "contact_extraction"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type BackendConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"` // global status-fetch limit, 0 disables
}

// WorkflowConfig describes one asynchronous job type exposed by the backend.
// StatusPath must contain the {job_id} placeholder.
type WorkflowConfig struct {
	SubmitPath           string        `yaml:"submit_path"`
	StatusPath           string        `yaml:"status_path"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	MaxAttempts          int           `yaml:"max_attempts"`
	MaxTransportFailures int           `yaml:"max_transport_failures"`
	FoundPath            string        `yaml:"found_path"` // gjson path of the "found" flag
}

func (w WorkflowConfig) Budget() model.RetryBudget {
	return model.RetryBudget{
		Interval:             w.PollInterval,
		MaxAttempts:          w.MaxAttempts,
		MaxTransportFailures: w.MaxTransportFailures,
	}
}

type APIConfig struct {
	Port      int           `yaml:"port"`
	JWTSecret string        `yaml:"jwt_secret"` // empty disables auth (dev only)
	Timeout   time.Duration `yaml:"timeout"`
	// Submissions allowed per subject and workflow in SubmitWindow; 0 disables.
	// Needs redis.
	SubmitLimit  int           `yaml:"submit_limit"`
	SubmitWindow time.Duration `yaml:"submit_window"`
	// Default language for state messages; clients pick others with Accept-Language.
	Language string `yaml:"language"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // snapshot lifetime
	// How long cached job history lives; saves invalidate it early.
	HistoryTTL time.Duration `yaml:"history_ttl"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	// Job records kept per tracker. Defaults to 100; negative keeps everything.
	HistoryKeep int `yaml:"history_keep"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
	IdleTTL  time.Duration `yaml:"idle_ttl"`
}

type PersistConfig struct {
	Workers int `yaml:"workers"`
}

type Config struct {
	Log       LogConfig                 `yaml:"log"`
	Backend   BackendConfig             `yaml:"backend"`
	Workflows map[string]WorkflowConfig `yaml:"workflows"`
	API       APIConfig                 `yaml:"api"`
	Redis     RedisConfig               `yaml:"redis"`
	Database  DatabaseConfig            `yaml:"database"`
	Sweeper   SweeperConfig             `yaml:"sweeper"`
	Persist   PersistConfig             `yaml:"persist"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

// Parse decodes YAML, applies defaults, and validates.
func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = 10 * time.Second
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Timeout <= 0 {
		cfg.API.Timeout = 15 * time.Second
	}
	if cfg.API.SubmitWindow <= 0 {
		cfg.API.SubmitWindow = time.Minute
	}
	if cfg.API.Language == "" {
		cfg.API.Language = "en"
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)
	if cfg.Redis.HistoryTTL <= 0 {
		cfg.Redis.HistoryTTL = 10 * time.Minute
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Database.HistoryKeep == 0 {
		cfg.Database.HistoryKeep = 100
	}
	if cfg.Sweeper.Interval <= 0 {
		cfg.Sweeper.Interval = time.Minute
	}
	if cfg.Sweeper.IdleTTL <= 0 {
		cfg.Sweeper.IdleTTL = 30 * time.Minute
	}
	if cfg.Persist.Workers <= 0 {
		cfg.Persist.Workers = 4
	}

	if len(cfg.Workflows) == 0 {
		cfg.Workflows = DefaultWorkflows()
	}
	for name, wf := range cfg.Workflows {
		def, known := DefaultWorkflows()[name]
		if wf.PollInterval <= 0 {
			wf.PollInterval = model.DefaultPollInterval
		}
		if wf.MaxAttempts <= 0 {
			wf.MaxAttempts = model.DefaultMaxAttempts
			if known {
				wf.MaxAttempts = def.MaxAttempts
			}
		}
		if wf.FoundPath == "" {
			wf.FoundPath = "found"
			if known {
				wf.FoundPath = def.FoundPath
			}
		}
		if known {
			if wf.SubmitPath == "" {
				wf.SubmitPath = def.SubmitPath
			}
			if wf.StatusPath == "" {
				wf.StatusPath = def.StatusPath
			}
		}
		cfg.Workflows[name] = wf
	}
}

func (cfg *Config) validate() error {
	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return errors.New("backend.base_url is required")
	}
	if cfg.API.SubmitLimit < 0 {
		return errors.New("api.submit_limit must be >= 0")
	}
	for _, name := range cfg.WorkflowNames() {
		wf := cfg.Workflows[name]
		if wf.SubmitPath == "" {
			return fmt.Errorf("workflows.%s.submit_path is required", name)
		}
		if !strings.Contains(wf.StatusPath, "{job_id}") {
			return fmt.Errorf("workflows.%s.status_path must contain {job_id}", name)
		}
		if err := wf.Budget().Validate(); err != nil {
			return fmt.Errorf("workflows.%s: %w", name, err)
		}
	}
	return nil
}

// WorkflowNames returns workflow names in a stable order.
func (cfg *Config) WorkflowNames() []string {
	names := make([]string, 0, len(cfg.Workflows))
	for name := range cfg.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultWorkflows mirrors the two job types the dashboard polls. The thresholds
// differ on purpose: contact extraction gives up sooner.
func DefaultWorkflows() map[string]WorkflowConfig {
	return map[string]WorkflowConfig{
		WorkflowLeadEnrichment: {
			SubmitPath:   "/api/v1/enrichment/leads",
			StatusPath:   "/api/v1/enrichment/leads/{job_id}/status",
			PollInterval: model.DefaultPollInterval,
			MaxAttempts:  30,
			FoundPath:    "found",
		},
		WorkflowContactExtraction: {
			SubmitPath:   "/api/v1/contacts/extract",
			StatusPath:   "/api/v1/contacts/extract/{job_id}/status",
			PollInterval: model.DefaultPollInterval,
			MaxAttempts:  10,
			FoundPath:    "contacts.#",
		},
	}
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
