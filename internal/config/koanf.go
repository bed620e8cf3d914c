// Adlens - Advertising Performance Analytics and Sync
// Copyright 2026 Adlens Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/adlens/adlens

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/adlens/config.yaml",
	"/etc/adlens/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if present)
//  3. Environment variables: override any setting
//
// Precedence is ENV > file > defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// ADLENS_SYNC_WORKERS -> sync.workers, UPSTREAM_API_KEY -> upstream.api_key
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf config paths.
// Variables prefixed ADLENS_ map section by section:
//
//	ADLENS_SYNC_WORKERS          -> sync.workers
//	ADLENS_BACKPRESSURE_MAX_RATE -> backpressure.max_rate
//
// A few unprefixed names are honored for container-deployment convenience.
func envTransformFunc(key string) string {
	lower := strings.ToLower(key)

	shortcuts := map[string]string{
		"log_level":        "logging.level",
		"log_format":       "logging.format",
		"http_port":        "server.port",
		"store_path":       "store.path",
		"upstream_url":     "upstream.url",
		"upstream_api_key": "upstream.api_key",
	}
	if path, ok := shortcuts[lower]; ok {
		return path
	}

	if !strings.HasPrefix(lower, "adlens_") {
		return "" // Ignore unrelated environment variables
	}
	rest := strings.TrimPrefix(lower, "adlens_")

	// Freshness keys nest one level deeper: tier, then field.
	// ADLENS_FRESHNESS_NEAR_TIME_INTERVAL -> freshness.near_time.interval
	if strings.HasPrefix(rest, "freshness_") {
		tierKey := strings.TrimPrefix(rest, "freshness_")
		for _, tier := range []string{"realtime", "near_time", "stabilizing", "finalized"} {
			if strings.HasPrefix(tierKey, tier+"_") {
				return "freshness." + tier + "." + strings.TrimPrefix(tierKey, tier+"_")
			}
		}
		return ""
	}

	for _, section := range []string{
		"server", "logging", "store", "cache",
		"sync", "backpressure", "upstream",
	} {
		if strings.HasPrefix(rest, section+"_") {
			return section + "." + strings.TrimPrefix(rest, section+"_")
		}
	}
	return ""
}
