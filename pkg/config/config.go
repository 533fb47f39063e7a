// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the fdagent configuration model.
//
// Configuration is a single YAML document with sections per concern
// (openfda, llm, usage, session, rag, catalog, retry, turn, server,
// logger, observability, regions). Values support ${VAR} environment
// expansion and an optional .env file.
package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration document.
type Config struct {
	OpenFDA       OpenFDAConfig       `yaml:"openfda,omitempty"`
	LLM           LLMConfig           `yaml:"llm,omitempty"`
	Usage         UsageConfig         `yaml:"usage,omitempty"`
	Session       SessionConfig       `yaml:"session,omitempty"`
	Catalog       CatalogConfig       `yaml:"catalog,omitempty"`
	RAG           RAGConfig           `yaml:"rag,omitempty"`
	Retry         RetryConfig         `yaml:"retry,omitempty"`
	Turn          TurnConfig          `yaml:"turn,omitempty"`
	Server        ServerConfig        `yaml:"server,omitempty"`
	Logger        LoggerConfig        `yaml:"logger,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`

	// Regions maps a region keyword ("europe", "apac") to ISO country
	// codes. Location resolution is config-driven; defaults ship with
	// the binary and can be overridden here.
	Regions map[string][]string `yaml:"regions,omitempty"`
}

// OpenFDAConfig configures the openFDA REST client.
type OpenFDAConfig struct {
	// APIKey raises the rate limit from 40 to 240 requests/minute.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL for the device datasets (default: https://api.fda.gov/device).
	BaseURL string `yaml:"base_url,omitempty"`

	// TimeoutSeconds is the per-request read timeout (default 30, range 1-300).
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// MaxRetries for 429/5xx responses (default 3).
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// LLMConfig configures the planner/answer model and the guardrail model.
type LLMConfig struct {
	// Provider is one of: openrouter, openai, anthropic, bedrock, ollama, gemini.
	Provider string `yaml:"provider,omitempty"`

	// Model used for planning and answer drafting.
	Model string `yaml:"model,omitempty"`

	// GuardModel used for the guardrail pass (defaults to Model).
	GuardModel string `yaml:"guard_model,omitempty"`

	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`

	// Region for the bedrock provider.
	Region string `yaml:"region,omitempty"`

	Temperature float64 `yaml:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`

	// TimeoutSeconds is the per-call timeout (default 120).
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// UsageConfig configures per-session cost accounting.
type UsageConfig struct {
	// SoftCapUSD refuses new turns once reached (default 1.50).
	SoftCapUSD float64 `yaml:"soft_cap_usd,omitempty"`

	// HardCapUSD is the ceiling an operator passphrase can extend to
	// (default 25.00).
	HardCapUSD float64 `yaml:"hard_cap_usd,omitempty"`

	// OperatorPassphrase extends a capped session up to HardCapUSD.
	OperatorPassphrase string `yaml:"operator_passphrase,omitempty"`
}

// SessionConfig configures the session store.
type SessionConfig struct {
	// StoreURL is a sqlite file path or a postgres:// URL.
	StoreURL string `yaml:"store_url,omitempty"`

	// CacheSize is the in-process session cache capacity (default 128).
	CacheSize int `yaml:"cache_size,omitempty"`
}

// CatalogConfig locates the local GUDID device catalog.
type CatalogConfig struct {
	// Path to the sqlite catalog produced by the GUDID ingest pipeline.
	Path string `yaml:"path,omitempty"`
}

// RAGConfig configures the hybrid documentation retriever.
type RAGConfig struct {
	// CorpusDir holds scraped overview and field-reference chunks.
	// The curated how-to chunks are built in.
	CorpusDir string `yaml:"corpus_dir,omitempty"`

	// PersistPath stores the chromem vector index (empty = in-memory).
	PersistPath string `yaml:"persist_path,omitempty"`

	// TopK results returned by hybrid search (default 5).
	TopK int `yaml:"top_k,omitempty"`

	Embedder EmbedderConfig `yaml:"embedder,omitempty"`
}

// EmbedderConfig configures the dense-embedding side of retrieval.
// When Provider is empty the retriever runs BM25-only.
type EmbedderConfig struct {
	// Provider is "ollama" or "openai".
	Provider string `yaml:"provider,omitempty"`
	Model    string `yaml:"model,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
}

// RetryConfig bounds agent-level re-planning (distinct from HTTP retries).
type RetryConfig struct {
	// Max re-plans per turn (default 2).
	Max *int `yaml:"max,omitempty"`
}

// TurnConfig bounds a whole agent episode.
type TurnConfig struct {
	// DeadlineSeconds for one turn end to end (default 60).
	DeadlineSeconds int `yaml:"deadline_seconds,omitempty"`
}

// ServerConfig configures the inbound HTTP surface.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// LoggerConfig configures slog output.
type LoggerConfig struct {
	// Level: debug, info, warn, error (default info).
	Level string `yaml:"level,omitempty"`

	// Format: text or json (default text).
	Format string `yaml:"format,omitempty"`
}

// ObservabilityConfig toggles metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled,omitempty"`
	TracingEnabled bool `yaml:"tracing_enabled,omitempty"`
}

// defaultRegions ships the region memberships used by the location
// resolver when the config does not override them.
var defaultRegions = map[string][]string{
	"europe":        {"DE", "FR", "GB", "IT", "ES", "NL", "BE", "SE", "CH", "IE", "DK", "FI", "NO", "AT", "PL", "PT", "CZ", "HU"},
	"apac":          {"CN", "JP", "KR", "TW", "SG", "AU", "NZ", "IN", "MY", "TH", "VN", "ID", "PH", "HK"},
	"north_america": {"US", "CA", "MX"},
	"latin_america": {"BR", "AR", "CL", "CO", "PE", "CR", "DO", "MX"},
	"middle_east":   {"IL", "AE", "SA", "TR"},
}

// SetDefaults fills unset fields with their documented defaults.
func (c *Config) SetDefaults() {
	if c.OpenFDA.BaseURL == "" {
		c.OpenFDA.BaseURL = "https://api.fda.gov/device"
	}
	if c.OpenFDA.TimeoutSeconds == 0 {
		c.OpenFDA.TimeoutSeconds = 30
	}
	if c.OpenFDA.MaxRetries == 0 {
		c.OpenFDA.MaxRetries = 3
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.GuardModel == "" {
		c.LLM.GuardModel = c.LLM.Model
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.2
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.Usage.SoftCapUSD == 0 {
		c.Usage.SoftCapUSD = 1.50
	}
	if c.Usage.HardCapUSD == 0 {
		c.Usage.HardCapUSD = 25.00
	}
	if c.Session.StoreURL == "" {
		c.Session.StoreURL = ".fdagent/sessions.db"
	}
	if c.Session.CacheSize == 0 {
		c.Session.CacheSize = 128
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = ".fdagent/gudid.db"
	}
	if c.RAG.TopK == 0 {
		c.RAG.TopK = 5
	}
	if c.Retry.Max == nil {
		two := 2
		c.Retry.Max = &two
	}
	if c.Turn.DeadlineSeconds == 0 {
		c.Turn.DeadlineSeconds = 60
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Regions == nil {
		c.Regions = defaultRegions
	} else {
		for name, members := range defaultRegions {
			if _, ok := c.Regions[name]; !ok {
				c.Regions[name] = members
			}
		}
	}
}

var validProviders = map[string]bool{
	"openrouter": true,
	"openai":     true,
	"anthropic":  true,
	"bedrock":    true,
	"ollama":     true,
	"gemini":     true,
}

// Validate checks value ranges after defaults are applied.
func (c *Config) Validate() error {
	if c.OpenFDA.TimeoutSeconds < 1 || c.OpenFDA.TimeoutSeconds > 300 {
		return fmt.Errorf("openfda.timeout_seconds must be in [1, 300], got %d", c.OpenFDA.TimeoutSeconds)
	}
	if c.OpenFDA.MaxRetries < 0 {
		return fmt.Errorf("openfda.max_retries must be >= 0, got %d", c.OpenFDA.MaxRetries)
	}
	if !validProviders[c.LLM.Provider] {
		return fmt.Errorf("llm.provider must be one of openrouter, openai, anthropic, bedrock, ollama, gemini; got %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Usage.SoftCapUSD < 0 || c.Usage.HardCapUSD < c.Usage.SoftCapUSD {
		return fmt.Errorf("usage caps invalid: soft=%.2f hard=%.2f", c.Usage.SoftCapUSD, c.Usage.HardCapUSD)
	}
	if *c.Retry.Max < 0 {
		return fmt.Errorf("retry.max must be >= 0, got %d", *c.Retry.Max)
	}
	if c.Turn.DeadlineSeconds < 1 {
		return fmt.Errorf("turn.deadline_seconds must be >= 1, got %d", c.Turn.DeadlineSeconds)
	}
	if e := c.RAG.Embedder.Provider; e != "" && e != "ollama" && e != "openai" {
		return fmt.Errorf("rag.embedder.provider must be ollama or openai, got %q", e)
	}
	for name, members := range c.Regions {
		if len(members) == 0 {
			return fmt.Errorf("regions.%s has no member countries", name)
		}
		for _, code := range members {
			if len(code) != 2 || strings.ToUpper(code) != code {
				return fmt.Errorf("regions.%s: %q is not a 2-letter ISO code", name, code)
			}
		}
	}
	return nil
}

// SessionDialect derives the SQL dialect from session.store_url.
func (c *Config) SessionDialect() string {
	if strings.HasPrefix(c.Session.StoreURL, "postgres://") || strings.HasPrefix(c.Session.StoreURL, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}
