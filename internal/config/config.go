package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/intakehq/docintake/internal/models"
)

// LockConfig tunes the distributed processing lock.
type LockConfig struct {
	TTLSeconds       int `yaml:"ttl_seconds"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

func (l LockConfig) TTL() time.Duration { return time.Duration(l.TTLSeconds) * time.Second }

// HeartbeatInterval defaults to TTL/5 so a single missed renewal never
// costs the lock.
func (l LockConfig) HeartbeatInterval() time.Duration {
	if l.HeartbeatSeconds > 0 {
		return time.Duration(l.HeartbeatSeconds) * time.Second
	}
	return l.TTL() / 5
}

// RetryConfig tunes the extraction retry engine. Counts follow the
// decision table; only the numbers are configurable, never the shape.
type RetryConfig struct {
	MaxSyntaxAttempts   int `yaml:"max_syntax_attempts"`
	MaxRateLimitRetries int `yaml:"max_rate_limit_retries"`
	MaxServerRetries    int `yaml:"max_server_retries"`
	BackoffBaseSeconds  int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds   int `yaml:"backoff_cap_seconds"`
}

func (r RetryConfig) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseSeconds) * time.Second
}

func (r RetryConfig) BackoffCap() time.Duration {
	return time.Duration(r.BackoffCapSeconds) * time.Second
}

// BudgetConfig caps expensive-tier model calls per calendar day and month.
type BudgetConfig struct {
	DailyLimit   int64 `yaml:"daily_limit"`
	MonthlyLimit int64 `yaml:"monthly_limit"`
}

// ModelConfig names the concrete model behind each tier.
type ModelConfig struct {
	Cheap     string `yaml:"cheap"`
	Expensive string `yaml:"expensive"`
}

// DocumentTypeConfig describes one supported document type: the fields the
// extraction must produce and whether the type is fragile enough to always
// warrant page images on the model call.
type DocumentTypeConfig struct {
	Fields  []models.FieldSpec `yaml:"fields"`
	Fragile bool               `yaml:"fragile"`
}

// Config is an immutable snapshot of the service configuration. Components
// take the snapshot they were built with, or fetch a fresh one from a
// Provider at operation start; nothing mutates a snapshot in place.
type Config struct {
	ProjectID string `yaml:"project_id"`
	Region    string `yaml:"region"`

	IntakeBucket  string `yaml:"intake_bucket"`
	ArchiveBucket string `yaml:"archive_bucket"`

	// QuarantineBucket receives a copy of the original file and the error
	// report when a document is quarantined. Empty disables both copies;
	// the record and audit trail still carry the reason.
	QuarantineBucket string `yaml:"quarantine_bucket"`

	DocumentsCollection   string `yaml:"documents_collection"`
	CountersCollection    string `yaml:"counters_collection"`
	DraftsCollection      string `yaml:"drafts_collection"`
	AttemptsSubcollection string `yaml:"attempts_subcollection"`

	ReviewWorkflow string `yaml:"review_workflow"`
	AuditTopic     string `yaml:"audit_topic"`

	Lock   LockConfig   `yaml:"lock"`
	Retry  RetryConfig  `yaml:"retry"`
	Budget BudgetConfig `yaml:"budget"`
	Models ModelConfig  `yaml:"models"`

	// DeadlineMarginSeconds is subtracted from the invocation deadline so
	// the worker can persist a clean FAILED state before the platform
	// kills it.
	DeadlineMarginSeconds int `yaml:"deadline_margin_seconds"`

	// MinOCRConfidence is the block-confidence floor below which page
	// images are attached to the extraction call.
	MinOCRConfidence float64 `yaml:"min_ocr_confidence"`

	DocumentTypes map[string]DocumentTypeConfig `yaml:"document_types"`
}

func (c *Config) DeadlineMargin() time.Duration {
	return time.Duration(c.DeadlineMarginSeconds) * time.Second
}

// ModelFor resolves a tier to its configured model name.
func (c *Config) ModelFor(tier models.ModelTier) string {
	if tier == models.TierExpensive {
		return c.Models.Expensive
	}
	return c.Models.Cheap
}

// Load reads the YAML config at path, overlays GCP identifiers from the
// environment and applies defaults. A missing file is not an error: the
// worker can run on defaults plus environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.overlayEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overlayEnv() {
	c.ProjectID = GetEnv("GCP_PROJECT_ID", c.ProjectID)
	c.Region = GetEnv("GCP_REGION", c.Region)
	c.IntakeBucket = GetEnv("INTAKE_BUCKET", c.IntakeBucket)
	c.ArchiveBucket = GetEnv("ARCHIVE_BUCKET", c.ArchiveBucket)
	c.QuarantineBucket = GetEnv("QUARANTINE_BUCKET", c.QuarantineBucket)
	c.ReviewWorkflow = GetEnv("REVIEW_WORKFLOW", c.ReviewWorkflow)
	c.AuditTopic = GetEnv("AUDIT_TOPIC", c.AuditTopic)
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "us-central1"
	}
	if c.DocumentsCollection == "" {
		c.DocumentsCollection = "documents"
	}
	if c.CountersCollection == "" {
		c.CountersCollection = "counters"
	}
	if c.DraftsCollection == "" {
		c.DraftsCollection = "drafts"
	}
	if c.AttemptsSubcollection == "" {
		c.AttemptsSubcollection = "attempt_log"
	}
	if c.Lock.TTLSeconds == 0 {
		c.Lock.TTLSeconds = 600
	}
	if c.Retry.MaxSyntaxAttempts == 0 {
		c.Retry.MaxSyntaxAttempts = 2
	}
	if c.Retry.MaxRateLimitRetries == 0 {
		c.Retry.MaxRateLimitRetries = 5
	}
	if c.Retry.MaxServerRetries == 0 {
		c.Retry.MaxServerRetries = 3
	}
	if c.Retry.BackoffBaseSeconds == 0 {
		c.Retry.BackoffBaseSeconds = 1
	}
	if c.Retry.BackoffCapSeconds == 0 {
		c.Retry.BackoffCapSeconds = 30
	}
	if c.Budget.DailyLimit == 0 {
		c.Budget.DailyLimit = 200
	}
	if c.Budget.MonthlyLimit == 0 {
		c.Budget.MonthlyLimit = 3000
	}
	if c.Models.Cheap == "" {
		c.Models.Cheap = "gemini-2.0-flash"
	}
	if c.Models.Expensive == "" {
		c.Models.Expensive = "gemini-2.5-pro"
	}
	if c.DeadlineMarginSeconds == 0 {
		c.DeadlineMarginSeconds = 30
	}
	if c.MinOCRConfidence == 0 {
		c.MinOCRConfidence = 0.85
	}
}

func (c *Config) validate() error {
	if c.Lock.HeartbeatSeconds > 0 && c.Lock.HeartbeatSeconds*2 >= c.Lock.TTLSeconds {
		return fmt.Errorf("lock heartbeat interval %ds is too close to TTL %ds", c.Lock.HeartbeatSeconds, c.Lock.TTLSeconds)
	}
	if c.MinOCRConfidence < 0 || c.MinOCRConfidence > 1 {
		return fmt.Errorf("min_ocr_confidence %v is outside [0,1]", c.MinOCRConfidence)
	}
	return nil
}

// Provider hands out immutable Config snapshots and supports atomic reload.
// Callers must not hold a snapshot across unrelated operations; fetch a
// fresh one per request so a reload takes effect at the next operation
// boundary.
type Provider struct {
	path string
	cur  atomic.Pointer[Config]
}

// NewProvider loads the initial snapshot from path.
func NewProvider(path string) (*Provider, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path}
	p.cur.Store(cfg)
	return p, nil
}

// StaticProvider wraps an already assembled snapshot. Reload is a no-op
// that keeps the snapshot.
func StaticProvider(cfg *Config) *Provider {
	p := &Provider{}
	p.cur.Store(cfg)
	return p
}

// Current returns the active snapshot.
func (p *Provider) Current() *Config {
	return p.cur.Load()
}

// Reload re-reads the config file and swaps the snapshot in one step.
// In-flight operations keep the snapshot they started with.
func (p *Provider) Reload() (*Config, error) {
	if p.path == "" {
		return p.Current(), nil
	}
	cfg, err := Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to reload config: %w", err)
	}
	p.cur.Store(cfg)
	return cfg, nil
}

// GetEnv retrieves an environment variable or returns a fallback value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
