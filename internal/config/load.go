// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

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

// configSearchPaths is where Load looks for a YAML config file when
// CONFIG_PATH is not set.
var configSearchPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/notify/config.yaml",
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults.
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Layer 2: optional YAML file.
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables.
	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Koanf env values for slice fields arrive as comma-separated
	// strings; split them here.
	if len(cfg.Server.CORSOrigins) == 1 && strings.Contains(cfg.Server.CORSOrigins[0], ",") {
		cfg.Server.CORSOrigins = splitTrim(cfg.Server.CORSOrigins[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	for _, p := range configSearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envSections maps the leading token of an environment variable to its
// config section. LOG_* maps onto logging for ergonomics (LOG_LEVEL
// rather than LOGGING_LEVEL).
var envSections = map[string]string{
	"SERVER":   "server",
	"DATABASE": "database",
	"QUEUE":    "queue",
	"PRESENCE": "presence",
	"LOG":      "logging",
	"LOGGING":  "logging",
}

// envTransform converts SECTION_SOME_KEY into section.some_key, and
// returns "" for variables that do not belong to a known section so
// unrelated environment noise is ignored.
func envTransform(s string) string {
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return ""
	}
	prefix, known := envSections[section]
	if !known {
		return ""
	}
	return prefix + "." + strings.ToLower(rest)
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
