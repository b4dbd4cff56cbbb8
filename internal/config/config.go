// Package config loads Mnemos configuration from a YAML file with
// environment-variable overrides. Every tunable has a default; no secret is
// embedded at build time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Mnemos configuration.
type Config struct {
	// Core paths
	DatabasePath string `yaml:"database_path"`
	VaultRoot    string `yaml:"vault_root"`

	// Transport
	ListenAddr string `yaml:"listen_addr"`
	// JWTSecret signs access/refresh tokens. Generated at first boot when
	// empty; never a build-time constant.
	JWTSecret        string `yaml:"jwt_secret"`
	AccessTokenTTL   string `yaml:"access_token_ttl"`
	RefreshTokenTTL  string `yaml:"refresh_token_ttl"`
	RequestBudget    string `yaml:"request_budget"`     // handler deadline
	MaxUploadBytes   int64  `yaml:"max_upload_bytes"`   // QuotaExceeded above this
	MaxPendingJobs   int    `yaml:"max_pending_jobs"`   // backpressure bound
	SessionIdleLock  string `yaml:"session_idle_lock"`  // auto-lock after inactivity
	KDFMemoryCeiling uint32 `yaml:"kdf_memory_ceiling"` // KiB

	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Loops     LoopsConfig     `yaml:"loops"`
	Convert   ConvertConfig   `yaml:"convert"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EmbeddingConfig configures the embedding engine and its fallback.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama or genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	// Fallback provider used when the primary is unreachable after retries.
	FallbackProvider string `yaml:"fallback_provider"`
	Dimensions       int    `yaml:"dimensions"`
	Timeout          string `yaml:"timeout"`
}

// LLMConfig configures the chat/labelling model.
type LLMConfig struct {
	Provider       string `yaml:"provider"` // ollama or genai
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	Timeout        string `yaml:"timeout"`
}

// HeartbeatConfig configures the dead-man's-switch ladder. ChallengeTTL
// bounds how long an issued check-in challenge stays answerable; empty
// means one full check-in interval.
type HeartbeatConfig struct {
	IntervalDays         int    `yaml:"interval_days"`
	ChallengeTTL         string `yaml:"challenge_ttl"`
	ReminderDays         int    `yaml:"reminder_days"`
	UrgentDays           int    `yaml:"urgent_days"`
	EmergencyContactDays int    `yaml:"emergency_contact_days"`
	KeyholderDays        int    `yaml:"keyholder_days"`
	InheritanceDays      int    `yaml:"inheritance_days"`
	AlertEmail           string `yaml:"alert_email"`
}

// LoopsConfig sets per-loop cadences.
type LoopsConfig struct {
	HeartbeatTick   string `yaml:"heartbeat_tick"`
	VaultAudit      string `yaml:"vault_audit"`
	EmbedRetry      string `yaml:"embed_retry"`
	ConnectionSweep string `yaml:"connection_sweep"`
	MaxFailures     int    `yaml:"max_failures"` // auto-disable threshold
}

// ConvertConfig bounds the external format transducers.
type ConvertConfig struct {
	Timeout       string `yaml:"timeout"`
	ImageMagick   string `yaml:"imagemagick"`
	FFmpeg        string `yaml:"ffmpeg"`
	LibreOffice   string `yaml:"libreoffice"`
	KeepOriginals bool   `yaml:"keep_originals"`
}

// SMTPConfig carries alert-dispatch credentials.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// LoggingConfig configures the category logger.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	DevMode bool   `yaml:"dev_mode"`
}

// Default returns the baseline configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".mnemos")
	return &Config{
		DatabasePath:     filepath.Join(base, "mnemos.db"),
		VaultRoot:        filepath.Join(base, "vault"),
		ListenAddr:       "127.0.0.1:8787",
		AccessTokenTTL:   "15m",
		RefreshTokenTTL:  "720h",
		RequestBudget:    "30s",
		MaxUploadBytes:   512 << 20,
		MaxPendingJobs:   256,
		SessionIdleLock:  "15m",
		KDFMemoryCeiling: 64 * 1024,
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Dimensions:     768,
			Timeout:        "30s",
		},
		LLM: LLMConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "llama3.1",
			GenAIModel:     "gemini-2.0-flash",
			Timeout:        "60s",
		},
		Heartbeat: HeartbeatConfig{
			IntervalDays:         30,
			ReminderDays:         30,
			UrgentDays:           45,
			EmergencyContactDays: 60,
			KeyholderDays:        75,
			InheritanceDays:      90,
		},
		Loops: LoopsConfig{
			HeartbeatTick:   "24h",
			VaultAudit:      "168h",
			EmbedRetry:      "1h",
			ConnectionSweep: "6h",
			MaxFailures:     5,
		},
		Convert: ConvertConfig{
			Timeout:       "120s",
			ImageMagick:   "magick",
			FFmpeg:        "ffmpeg",
			LibreOffice:   "soffice",
			KeepOriginals: true,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path (if it exists), applies environment
// overrides, and validates. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from MNEMOS_* variables. Secrets are
// expected to arrive this way in deployments.
func (c *Config) applyEnv() {
	envStr(&c.DatabasePath, "MNEMOS_DATABASE_PATH")
	envStr(&c.VaultRoot, "MNEMOS_VAULT_ROOT")
	envStr(&c.ListenAddr, "MNEMOS_LISTEN_ADDR")
	envStr(&c.JWTSecret, "MNEMOS_JWT_SECRET")
	envStr(&c.SessionIdleLock, "MNEMOS_SESSION_IDLE_LOCK")
	envStr(&c.Embedding.Provider, "MNEMOS_EMBEDDING_PROVIDER")
	envStr(&c.Embedding.OllamaEndpoint, "MNEMOS_OLLAMA_ENDPOINT")
	envStr(&c.Embedding.GenAIAPIKey, "MNEMOS_GENAI_API_KEY")
	envStr(&c.LLM.Provider, "MNEMOS_LLM_PROVIDER")
	envStr(&c.LLM.GenAIAPIKey, "MNEMOS_GENAI_API_KEY")
	envStr(&c.SMTP.Password, "MNEMOS_SMTP_PASSWORD")
	envStr(&c.Logging.Level, "MNEMOS_LOG_LEVEL")
	if v := os.Getenv("MNEMOS_HEARTBEAT_INTERVAL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Heartbeat.IntervalDays = n
		}
	}
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) validate() error {
	for name, v := range map[string]string{
		"access_token_ttl":  c.AccessTokenTTL,
		"refresh_token_ttl": c.RefreshTokenTTL,
		"request_budget":    c.RequestBudget,
		"session_idle_lock": c.SessionIdleLock,
		"convert.timeout":   c.Convert.Timeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, v)
		}
	}
	hb := c.Heartbeat
	if hb.ChallengeTTL != "" {
		if _, err := time.ParseDuration(hb.ChallengeTTL); err != nil {
			return fmt.Errorf("invalid duration for heartbeat.challenge_ttl: %q", hb.ChallengeTTL)
		}
	}
	if !(hb.ReminderDays <= hb.UrgentDays &&
		hb.UrgentDays <= hb.EmergencyContactDays &&
		hb.EmergencyContactDays <= hb.KeyholderDays &&
		hb.KeyholderDays <= hb.InheritanceDays) {
		return fmt.Errorf("heartbeat trigger days must be non-decreasing")
	}
	return nil
}

// Duration parses a duration field that validate has already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
