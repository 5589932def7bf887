// Copyright (c) 2026 John Earle
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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAllowedMimeTypes are the attachment content types accepted by
// the intake webhook when the YAML does not override them.
var DefaultAllowedMimeTypes = []string{
	"application/pdf",
	"image/png",
	"image/jpeg",
	"image/webp",
}

// DefaultMaxAttachmentBytes caps attachment size at 15 MiB.
const DefaultMaxAttachmentBytes = 15 * 1024 * 1024

// Config holds all configuration for the inbound document service.
type Config struct {
	// Database and cache
	DatabaseURL string
	RedisURL    string

	// Object storage
	S3Bucket       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3BaseEndpoint string

	// Webhook authentication
	WebhookSecret       string
	ResendSigningSecret string
	CronSecret          string
	AllowInsecure       bool

	// Providers
	ResendAPIKey  string
	ResendBaseURL string
	GeminiAPIKey  string
	GeminiModel   string

	// Pipeline tuning
	PreassignThreshold float64
	ReviewThreshold    float64
	BatchLimit         int
	MaxAttachmentBytes int64
	AllowedMimeTypes   []string

	// Tenancy
	DefaultUserID string

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Storage struct {
		Bucket       string `yaml:"bucket"`
		Region       string `yaml:"region"`
		AccessKey    string `yaml:"access_key"`
		SecretKey    string `yaml:"secret_key"`
		BaseEndpoint string `yaml:"base_endpoint"`
	} `yaml:"storage"`
	Webhook struct {
		Secret        string `yaml:"secret"`
		SigningSecret string `yaml:"signing_secret"`
		CronSecret    string `yaml:"cron_secret"`
		AllowInsecure bool   `yaml:"allow_insecure"`
	} `yaml:"webhook"`
	Resend struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"resend"`
	Gemini struct {
		APIKey string `yaml:"api_key"`
		Model  string `yaml:"model"`
	} `yaml:"gemini"`
	Pipeline struct {
		PreassignThreshold float64  `yaml:"preassign_threshold"`
		ReviewThreshold    float64  `yaml:"review_threshold"`
		BatchLimit         int      `yaml:"batch_limit"`
		MaxAttachmentBytes int64    `yaml:"max_attachment_bytes"`
		AllowedMimeTypes   []string `yaml:"allowed_mime_types"`
	} `yaml:"pipeline"`
	Tenancy struct {
		DefaultUserID string `yaml:"default_user_id"`
	} `yaml:"tenancy"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings. A missing config file is
// not an error; everything can come from the environment.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	if data, err := os.ReadFile(configPath); err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),

		S3Bucket:       firstNonEmpty(raw.Storage.Bucket, envOrDefault("S3_BUCKET", "documents")),
		S3Region:       firstNonEmpty(raw.Storage.Region, envOrDefault("S3_REGION", "eu-central-1")),
		S3AccessKey:    firstNonEmpty(raw.Storage.AccessKey, os.Getenv("S3_ACCESS_KEY")),
		S3SecretKey:    firstNonEmpty(raw.Storage.SecretKey, os.Getenv("S3_SECRET_KEY")),
		S3BaseEndpoint: firstNonEmpty(raw.Storage.BaseEndpoint, os.Getenv("S3_BASE_ENDPOINT")),

		WebhookSecret:       firstNonEmpty(raw.Webhook.Secret, os.Getenv("INBOUND_EMAIL_WEBHOOK_SECRET")),
		ResendSigningSecret: firstNonEmpty(raw.Webhook.SigningSecret, os.Getenv("RESEND_WEBHOOK_SECRET")),
		CronSecret:          firstNonEmpty(raw.Webhook.CronSecret, os.Getenv("CRON_SECRET")),
		AllowInsecure:       raw.Webhook.AllowInsecure || envBool("ALLOW_INSECURE_WEBHOOKS"),

		ResendAPIKey:  firstNonEmpty(raw.Resend.APIKey, os.Getenv("RESEND_API_KEY")),
		ResendBaseURL: raw.Resend.BaseURL,
		GeminiAPIKey:  firstNonEmpty(raw.Gemini.APIKey, os.Getenv("GEMINI_API_KEY")),
		GeminiModel:   firstNonEmpty(raw.Gemini.Model, os.Getenv("GEMINI_MODEL")),

		PreassignThreshold: raw.Pipeline.PreassignThreshold,
		ReviewThreshold:    raw.Pipeline.ReviewThreshold,
		BatchLimit:         raw.Pipeline.BatchLimit,
		MaxAttachmentBytes: raw.Pipeline.MaxAttachmentBytes,
		AllowedMimeTypes:   raw.Pipeline.AllowedMimeTypes,

		DefaultUserID: firstNonEmpty(raw.Tenancy.DefaultUserID, os.Getenv("INBOUND_DEFAULT_USER_ID")),

		Port: envOrDefaultInt("PORT", 8080),
	}

	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = envOrDefaultInt("INBOUND_BATCH_LIMIT", 20)
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if len(cfg.AllowedMimeTypes) == 0 {
		cfg.AllowedMimeTypes = DefaultAllowedMimeTypes
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL not configured, set DATABASE_URL or database.url in config.yaml")
	}

	return cfg, nil
}

// AllowedMimeSet returns the allowed content types as a lookup set with
// lowercased keys.
func (c *Config) AllowedMimeSet() map[string]bool {
	set := make(map[string]bool, len(c.AllowedMimeTypes))
	for _, mime := range c.AllowedMimeTypes {
		if trimmed := strings.ToLower(strings.TrimSpace(mime)); trimmed != "" {
			set[trimmed] = true
		}
	}
	return set
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
