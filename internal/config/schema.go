// Package config loads and hot-reloads pipeline configuration: provider
// wiring, API keys, and the fixed thresholds that govern job locking, the
// stability sweep, and metadata batching.
package config

import "time"

// Config holds the pipeline's configuration.
// Stored at: {home}/config.yaml
type Config struct {
	APIKeys      map[string]string            `mapstructure:"api_keys" yaml:"api_keys"`
	OCRProviders map[string]OCRProviderConfig `mapstructure:"ocr_providers" yaml:"ocr_providers"`
	LLMProviders map[string]LLMProviderConfig `mapstructure:"llm_providers" yaml:"llm_providers"`
	Pipeline     PipelineConfig               `mapstructure:"pipeline" yaml:"pipeline"`
}

// OCRProviderConfig describes one named OCR provider entry in config.yaml.
type OCRProviderConfig struct {
	Type      string  `mapstructure:"type" yaml:"type"`
	Model     string  `mapstructure:"model" yaml:"model"`
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
}

// LLMProviderConfig describes one named LLM provider entry in config.yaml.
type LLMProviderConfig struct {
	Type      string  `mapstructure:"type" yaml:"type"`
	Model     string  `mapstructure:"model" yaml:"model"`
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
}

// PipelineConfig holds the fixed thresholds and operational knobs that
// govern job locking, extraction stability, and OCR batching.
type PipelineConfig struct {
	// StaleThreshold is the maximum age of a running job's heartbeat before
	// any reader may transition it to failed. Reference value: 2 minutes.
	StaleThreshold time.Duration `mapstructure:"stale_threshold" yaml:"stale_threshold"`

	// StabilityThreshold is the number of consecutive pages without an
	// update to a subtopic after which it moves from open to stable.
	// Reference value: 5.
	StabilityThreshold int `mapstructure:"stability_threshold" yaml:"stability_threshold"`

	// MetadataFlushInterval is how often (in pages) the bulk OCR worker
	// flushes the page-metadata document to the object store.
	MetadataFlushInterval int `mapstructure:"metadata_flush_interval" yaml:"metadata_flush_interval"`

	// BulkUploadFileCap is the maximum number of files accepted by a single
	// bulk upload request.
	BulkUploadFileCap int `mapstructure:"bulk_upload_file_cap" yaml:"bulk_upload_file_cap"`

	// DefaultOCRProvider and DefaultLLMProvider name the entries in
	// OCRProviders/LLMProviders used when a caller doesn't pick one.
	DefaultOCRProvider string `mapstructure:"default_ocr_provider" yaml:"default_ocr_provider"`
	DefaultLLMProvider string `mapstructure:"default_llm_provider" yaml:"default_llm_provider"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		APIKeys: map[string]string{
			"openrouter": "${OPENROUTER_API_KEY}",
			"mistral":    "${MISTRAL_API_KEY}",
		},
		OCRProviders: map[string]OCRProviderConfig{
			"mistral": {
				Type:      "mistral-ocr",
				APIKey:    "${MISTRAL_API_KEY}",
				RateLimit: 6,
				Enabled:   true,
			},
		},
		LLMProviders: map[string]LLMProviderConfig{
			"openrouter": {
				Type:      "openrouter",
				Model:     "anthropic/claude-3.5-sonnet",
				APIKey:    "${OPENROUTER_API_KEY}",
				RateLimit: 20,
				Enabled:   true,
			},
		},
		Pipeline: PipelineConfig{
			StaleThreshold:        2 * time.Minute,
			StabilityThreshold:    5,
			MetadataFlushInterval: 5,
			BulkUploadFileCap:     200,
			DefaultOCRProvider:    "mistral",
			DefaultLLMProvider:    "openrouter",
		},
	}
}

// GetAPIKey returns an API key by name. Returns empty string if not found.
func (c *Config) GetAPIKey(name string) string {
	return c.APIKeys[name]
}
