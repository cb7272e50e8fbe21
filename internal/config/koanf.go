// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

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

// DefaultConfigPaths lists the config file search order; the first found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/armature/config.yaml",
	"/etc/armature/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: struct defaults
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional config file
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	// SERVER_PORT -> server.port, NATS_STORE_DIR -> nats.store_dir
	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate configuration: %w", err)
	}
	return cfg, nil
}

// sections are the recognized top-level env var prefixes.
var sections = []string{
	"SERVER", "DATABASE", "NATS", "SERVE", "REWARD",
	"GUARDRAIL", "DECISION", "SECURITY", "LOGGING",
}

// envTransform maps SECTION_SOME_KEY to section.some_key. Variables outside
// the recognized sections are ignored so unrelated environment noise cannot
// leak into the config tree.
func envTransform(s string) string {
	for _, section := range sections {
		prefix := section + "_"
		if strings.HasPrefix(s, prefix) {
			key := strings.ToLower(strings.TrimPrefix(s, prefix))
			return strings.ToLower(section) + "." + key
		}
	}
	return ""
}

// findConfigFile returns the config file path, honoring CONFIG_PATH.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
