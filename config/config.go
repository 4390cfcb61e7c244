// Package config loads the caravan configuration file. One JSON document
// configures the stores, the provider client, the API keys, and the
// orchestrator and station tunables. Secrets may use env.NAME indirection,
// resolved at load time.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bytedance/sonic"

	"github.com/getcaravan/caravan/batchstore"
	"github.com/getcaravan/caravan/blobstore"
	"github.com/getcaravan/caravan/envutils"
	"github.com/getcaravan/caravan/mfgstore"
	"github.com/getcaravan/caravan/orchestrator"
	"github.com/getcaravan/caravan/providers/openai"
	"github.com/getcaravan/caravan/requeststore"
	"github.com/getcaravan/caravan/schemas"
	"github.com/getcaravan/caravan/station"
)

// Duration unmarshals from a time.ParseDuration string like "5m" or "1h30m".
type Duration time.Duration

// UnmarshalJSON is the custom unmarshal logic for Duration
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("durations are strings like \"5m\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoggingConfig selects the log level and output format. Empty fields keep
// the logger's current settings.
type LoggingConfig struct {
	Level      schemas.LogLevel         `json:"level,omitempty"`
	OutputType schemas.LoggerOutputType `json:"output_type,omitempty"`
}

// StationConfig is the wire form of station.Options. Zero fields fall back
// to the station defaults.
type StationConfig struct {
	TickInterval            Duration `json:"tick_interval,omitempty"`
	OutputDir               string   `json:"output_dir,omitempty"`
	CompletionWindow        string   `json:"completion_window,omitempty"`
	OrchestratorConcurrency int      `json:"orchestrator_concurrency,omitempty"`
	CompletedCooldown       Duration `json:"completed_cooldown,omitempty"`
	FailedCooldown          Duration `json:"failed_cooldown,omitempty"`
	QuotaCooldown           Duration `json:"quota_cooldown,omitempty"`
	MaxRetries              int      `json:"max_retries,omitempty"`
	RetryBackoffInitial     Duration `json:"retry_backoff_initial,omitempty"`
	RetryBackoffMax         Duration `json:"retry_backoff_max,omitempty"`
	TextTokenCap            int64    `json:"text_token_cap,omitempty"`
}

// Options converts the section into station options.
func (c StationConfig) Options() station.Options {
	return station.Options{
		TickInterval:            time.Duration(c.TickInterval),
		OutputDir:               c.OutputDir,
		CompletionWindow:        c.CompletionWindow,
		OrchestratorConcurrency: c.OrchestratorConcurrency,
		CompletedCooldown:       time.Duration(c.CompletedCooldown),
		FailedCooldown:          time.Duration(c.FailedCooldown),
		QuotaCooldown:           time.Duration(c.QuotaCooldown),
		MaxRetries:              c.MaxRetries,
		RetryBackoffInitial:     time.Duration(c.RetryBackoffInitial),
		RetryBackoffMax:         time.Duration(c.RetryBackoffMax),
		TextTokenCap:            c.TextTokenCap,
	}
}

// Config is the root configuration document.
type Config struct {
	Logging LoggingConfig `json:"logging,omitempty"`

	// Keys are the provider API keys the station schedules across. Values
	// may use env.NAME indirection.
	Keys []schemas.APIKey `json:"keys"`

	Manufacturers *mfgstore.Config     `json:"manufacturer_store"`
	Requests      *requeststore.Config `json:"request_store"`
	Batches       *batchstore.Config   `json:"batch_store"`
	Blobs         *blobstore.Config    `json:"blob_store"`

	// Provider configures the OpenAI client. Nil keeps the client defaults.
	Provider *openai.Config `json:"provider,omitempty"`

	// OntologyPath points at the concept catalog JSON file.
	OntologyPath string `json:"ontology_file"`

	// PromptsPath points at a prompt override file. Empty keeps the
	// built-in prompt catalog.
	PromptsPath string `json:"prompts_file,omitempty"`

	Orchestrator orchestrator.Options `json:"orchestrator,omitempty"`
	Station      StationConfig        `json:"station,omitempty"`
}

// Load reads, resolves, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := sonic.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	for i := range config.Keys {
		value, err := envutils.ProcessEnvValue(config.Keys[i].Value)
		if err != nil {
			return nil, fmt.Errorf("failed to process env value for key %q: %w", config.Keys[i].Label, err)
		}
		config.Keys[i].Value = value
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks that every required section is present and that the keys
// are usable.
func (c *Config) Validate() error {
	if len(c.Keys) == 0 {
		return fmt.Errorf("config needs at least one api key")
	}
	for i := range c.Keys {
		if err := c.Keys[i].Validate(); err != nil {
			return err
		}
	}
	if c.Manufacturers == nil {
		return fmt.Errorf("manufacturer_store config is required")
	}
	if c.Requests == nil {
		return fmt.Errorf("request_store config is required")
	}
	if c.Batches == nil {
		return fmt.Errorf("batch_store config is required")
	}
	if c.Blobs == nil {
		return fmt.Errorf("blob_store config is required")
	}
	if c.OntologyPath == "" {
		return fmt.Errorf("ontology_file is required")
	}
	return nil
}
