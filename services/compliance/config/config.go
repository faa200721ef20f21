// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the compliance service configuration.
//
// Sources, later ones winning: built-in defaults, an optional YAML file,
// then environment variables. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Archive sinks.
const (
	ArchiveNone = "none"
	ArchiveFile = "file"
	ArchiveGCS  = "gcs"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`

	// AdminToken guards /v1/admin routes with a bearer check. Empty leaves
	// admin authorization to an upstream proxy.
	AdminToken      string        `yaml:"admin_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

// StorageConfig selects the ledger and session backends.
type StorageConfig struct {
	Backend         string        `yaml:"backend" validate:"oneof=memory badger postgres"`
	BadgerPath      string        `yaml:"badger_path" validate:"required_if=Backend badger"`
	DatabaseURL     string        `yaml:"database_url" validate:"required_if=Backend postgres"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"min=0"`
}

// ArchiveConfig selects where archived ledger segments go.
type ArchiveConfig struct {
	Backend         string `yaml:"backend" validate:"oneof=none file gcs"`
	Dir             string `yaml:"dir" validate:"required_if=Backend file"`
	Bucket          string `yaml:"bucket" validate:"required_if=Backend gcs"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// RetentionConfig controls the enforcement engine and its schedule.
type RetentionConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Time             string        `yaml:"time" validate:"hhmm"`
	BatchSize        int           `yaml:"batch_size" validate:"min=1,max=10000"`
	MaxTrackedErrors int           `yaml:"max_tracked_errors" validate:"min=1"`
	BatchRate        float64       `yaml:"batch_rate" validate:"min=0"`
	MaxClockSkew     time.Duration `yaml:"max_clock_skew" validate:"min=0"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// TracingConfig selects the OpenTelemetry span exporter.
type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8085",
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend:         BackendMemory,
			MaxOpenConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Archive: ArchiveConfig{Backend: ArchiveNone, Prefix: "audit"},
		Retention: RetentionConfig{
			Enabled:          true,
			Time:             "03:00",
			BatchSize:        100,
			MaxTrackedErrors: 100,
			MaxClockSkew:     5 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", JSON: true},
		Tracing: TracingConfig{Exporter: "none"},
	}
}

// Load reads path (optional) and the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("COMPLIANCE_ADDR", &cfg.Server.Addr)
	str("COMPLIANCE_ADMIN_TOKEN", &cfg.Server.AdminToken)
	str("COMPLIANCE_STORAGE", &cfg.Storage.Backend)
	str("COMPLIANCE_BADGER_PATH", &cfg.Storage.BadgerPath)
	str("DATABASE_URL", &cfg.Storage.DatabaseURL)
	str("COMPLIANCE_ARCHIVE", &cfg.Archive.Backend)
	str("COMPLIANCE_ARCHIVE_DIR", &cfg.Archive.Dir)
	str("COMPLIANCE_ARCHIVE_BUCKET", &cfg.Archive.Bucket)
	str("COMPLIANCE_ARCHIVE_PREFIX", &cfg.Archive.Prefix)
	str("GOOGLE_APPLICATION_CREDENTIALS", &cfg.Archive.CredentialsFile)
	str("RETENTION_TIME", &cfg.Retention.Time)
	str("COMPLIANCE_LOG_LEVEL", &cfg.Logging.Level)
	str("COMPLIANCE_LOG_DIR", &cfg.Logging.Dir)
	str("COMPLIANCE_TRACING", &cfg.Tracing.Exporter)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)

	if v, ok := lookup("RETENTION_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RETENTION_ENABLED: %w", err)
		}
		cfg.Retention.Enabled = b
	}
	if v, ok := lookup("COMPLIANCE_LOG_JSON"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("COMPLIANCE_LOG_JSON: %w", err)
		}
		cfg.Logging.JSON = b
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		_, _, err := ParseHHMM(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RetentionClock returns the configured UTC hour and minute.
func (c Config) RetentionClock() (hour, minute int) {
	h, m, _ := ParseHHMM(c.Retention.Time)
	return h, m
}

// ParseHHMM parses a 24-hour "HH:MM" time of day.
func ParseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("hour in %q must be 00-23", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("minute in %q must be 00-59", s)
	}
	return hour, minute, nil
}
