// Package config resolves process configuration from the environment and
// validates it fail-fast at startup with a human-readable report, per
// spec.md §6 ("Environment") and §10 ("Secrets & config").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full set of environment-derived settings the core needs
// to boot. Required fields have no default and cause LoadFromEnv to
// fail; optional fields carry sane defaults.
type Config struct {
	// Required.
	ProviderAPIVersion string `env:"WA_API_VERSION,required"`
	StoreDSN           string `env:"STORE_DSN,required"`
	ProcessSecret      string `env:"PROCESS_SECRET,required"`
	DefaultLocale      string `env:"DEFAULT_LOCALE,required"`
	DefaultTimezone    string `env:"DEFAULT_TIMEZONE,required"`

	// Optional.
	HTTPSProxy        string        `env:"HTTPS_PROXY"`
	RealtimeAuthKey   string        `env:"REALTIME_AUTH_KEY"`
	MaintenanceMode   bool          `env:"MAINTENANCE_MODE" envDefault:"false"`
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8080"`
	AnthropicAPIKey   string        `env:"ANTHROPIC_API_KEY"`
	AnthropicModel    string        `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-20250514"`
	OpenAIAPIKey      string        `env:"OPENAI_API_KEY"`
	OpenAIModel       string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	SlackWebhookURL   string        `env:"SLACK_WEBHOOK_URL"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`
	SchedulerTickCron string        `env:"SCHEDULER_TICK_CRON" envDefault:"* * * * *"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"30s"`

	// DefaultFlowID is the flow a newly inbound conversation enters when
	// its channel connection names no entry rule of its own
	// (flowcat.Catalog.ResolveEntry's global fallback).
	DefaultFlowID string `env:"DEFAULT_FLOW_ID" envDefault:"default"`

	// StaleSessionAfter is the age past which the cleanup pass deletes a
	// bot session whose conversation is no longer bot-owned (or no longer
	// exists); sessions of bot-owned conversations are kept (distinct
	// from BotTimeoutMinutes, which is per connection and governs
	// handoff-to-human, not orphan cleanup).
	StaleSessionAfter time.Duration `env:"STALE_SESSION_AFTER" envDefault:"24h"`

	// KnowledgeBaseDir is where pkg/memory's chromem-go collection
	// persists its embeddings.
	KnowledgeBaseDir string `env:"KNOWLEDGE_BASE_DIR" envDefault:"./data/knowledge"`

	// CatalogPath optionally points at a JSON file describing the
	// brand/catalog media send_catalogs serves; empty leaves the tool
	// registered with no items, so every call reports none found.
	CatalogPath string `env:"CATALOG_PATH"`

	// CRM integration (pkg/crm) — both empty disables CRM field
	// resolution and lead saving, degrading those tool calls to a
	// no-op rather than failing the conversation.
	CRMBaseURL   string `env:"CRM_BASE_URL"`
	CRMAuthToken string `env:"CRM_AUTH_TOKEN"`
}

// Report is a human-readable validation outcome, printed to stderr and
// used as the process's exit(1) message on config failure.
type Report struct {
	Errors []string
}

func (r *Report) OK() bool { return len(r.Errors) == 0 }

func (r *Report) String() string {
	if r.OK() {
		return "config OK"
	}
	var b strings.Builder
	b.WriteString("configuration invalid:\n")
	for _, e := range r.Errors {
		b.WriteString("  - ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	return b.String()
}

// LoadFromEnv parses the environment into a Config and runs semantic
// validation beyond caarlos0/env's required-field check (secret
// length, API-version shape, timezone validity).
func LoadFromEnv() (*Config, *Report) {
	cfg := &Config{}
	report := &Report{}

	if err := env.Parse(cfg); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return nil, report
	}

	if len(cfg.ProcessSecret) < 16 {
		report.Errors = append(report.Errors, "PROCESS_SECRET must be at least 16 bytes (used to derive the at-rest encryption key)")
	}
	if cfg.ProviderAPIVersion == "" || !strings.HasPrefix(cfg.ProviderAPIVersion, "v") {
		report.Errors = append(report.Errors, fmt.Sprintf("WA_API_VERSION %q should look like \"v21.0\"", cfg.ProviderAPIVersion))
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("DEFAULT_TIMEZONE %q is not a valid IANA timezone: %v", cfg.DefaultTimezone, err))
	}

	if !report.OK() {
		return nil, report
	}
	return cfg, report
}
