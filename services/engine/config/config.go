// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the engine's yaml configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration, loaded from one yaml file.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Escrow     EscrowConfig     `yaml:"escrow"`
	Reputation ReputationConfig `yaml:"reputation"`
	Locks      LocksConfig      `yaml:"locks"`
	Moderation ModerationConfig `yaml:"moderation"`
	Relay      RelayConfig      `yaml:"relay"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0,lte=65535"`

	// RateLimit is requests per second per client; Burst is the token
	// bucket depth. Zero disables throttling.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst     int     `yaml:"burst" validate:"gte=0"`

	// OTLPEndpoint is the gRPC collector for traces. Empty disables
	// trace export.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// StorageConfig configures the BadgerDB system of record.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// EscrowConfig configures the fund vault.
type EscrowConfig struct {
	// PlatformAccount receives settlement fees.
	PlatformAccount string `yaml:"platform_account" validate:"required"`
}

// ReputationConfig configures the score ledger.
type ReputationConfig struct {
	// DailyCap bounds per-identity score gain per UTC day.
	DailyCap int64 `yaml:"daily_cap" validate:"gt=0"`

	// CreditPerTask is the flat credit requested per settlement.
	CreditPerTask int64 `yaml:"credit_per_task" validate:"gt=0"`
}

// LocksConfig configures the keyed lock manager.
type LocksConfig struct {
	// Wait bounds lock acquisition before ErrBusy.
	Wait time.Duration `yaml:"wait" validate:"gte=0"`
}

// ModerationConfig configures the dispute path.
type ModerationConfig struct {
	// Required gates submissions behind explicit verdicts. When false
	// submissions are auto-approved.
	Required bool `yaml:"required"`

	// AllowListPath is the moderator yaml file, hot-reloaded on change.
	// Required when moderation is required.
	AllowListPath string `yaml:"allow_list_path" validate:"required_if=Required true"`
}

// RelayConfig configures gasless relay authorization.
type RelayConfig struct {
	// TrustedForwarders are hex identities allowed to carry signed
	// actions on behalf of others.
	TrustedForwarders []string `yaml:"trusted_forwarders"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is "json" or "text". Empty picks by terminal detection.
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// Default returns the configuration used when fields are absent from
// the file.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:      8780,
			RateLimit: 50,
			Burst:     100,
		},
		Storage: StorageConfig{
			Path: "/var/lib/settled",
		},
		Escrow: EscrowConfig{
			PlatformAccount: "platform-treasury",
		},
		Reputation: ReputationConfig{
			DailyCap:      100,
			CreditPerTask: 10,
		},
		Locks: LocksConfig{
			Wait: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads, merges over defaults, and validates the configuration at
// path. An empty path returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("invalid configuration: storage.path is required for persistent storage")
	}
	return nil
}
