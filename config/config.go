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

// Package config loads the layered core configuration: built-in defaults,
// a YAML profile file, a .env overlay, and CLI `--config k=v` overrides, in
// that order. It also owns the feature-flag registry (§7.1) and the
// execpolicy rule-file reader/writer (§6.3).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/codex-core/internal/coreerr"
)

// Sandbox policy names accepted on --sandbox (§6.4).
const (
	SandboxReadOnly       = "read-only"
	SandboxWorkspaceWrite = "workspace-write"
	SandboxDangerFull     = "danger-full-access"
)

// Config is the fully-resolved, in-process configuration for one codex_home.
type Config struct {
	CodexHome        string            `mapstructure:"codex_home" yaml:"codex_home"`
	Model            string            `mapstructure:"model" yaml:"model"`
	ReasoningEffort  string            `mapstructure:"reasoning_effort" yaml:"reasoning_effort"`
	Sandbox          string            `mapstructure:"sandbox" yaml:"sandbox"`
	ApprovalPolicy   string            `mapstructure:"approval_policy" yaml:"approval_policy"`
	BypassApprovals  bool              `mapstructure:"dangerously_bypass_approvals_and_sandbox" yaml:"dangerously_bypass_approvals_and_sandbox"`
	Storage          string            `mapstructure:"storage" yaml:"storage"`
	StorageDSN       string            `mapstructure:"storage_dsn" yaml:"storage_dsn"`
	LogLevel         string            `mapstructure:"log_level" yaml:"log_level"`
	LogFormat        string            `mapstructure:"log_format" yaml:"log_format"`
	Features         map[string]string `mapstructure:"features" yaml:"features"`
	Extra            map[string]any    `mapstructure:",remain" yaml:"-"`
}

// defaults mirrors the built-in baseline layer applied before any file or
// CLI override is considered.
func defaults(codexHome string) Config {
	return Config{
		CodexHome:       codexHome,
		Model:           "gpt-5-codex",
		ReasoningEffort: "medium",
		Sandbox:         SandboxWorkspaceWrite,
		ApprovalPolicy:  "on-request",
		Storage:         "sqlite",
		StorageDSN:      filepath.Join(codexHome, "state.sqlite"),
		LogLevel:        "info",
		LogFormat:       "text",
		Features:        map[string]string{},
	}
}

// Load builds a Config by layering, in increasing precedence:
//  1. built-in defaults
//  2. `<codexHome>/config.yaml` if present
//  3. `<codexHome>/.env` if present (read without touching the process
//     env; its CODEX_* keys are applied by the CODEX_* convention)
//  4. cliOverrides, formatted "key=value" as accepted by `codex --config`
func Load(codexHome string, cliOverrides []string) (*Config, error) {
	if codexHome == "" {
		if home := os.Getenv("CODEX_HOME"); home != "" {
			codexHome = home
		} else {
			dir, err := os.UserHomeDir()
			if err != nil {
				return nil, coreerr.Wrap(coreerr.KindConfig, "resolve codex_home", err)
			}
			codexHome = filepath.Join(dir, ".codex")
		}
	}

	cfg := defaults(codexHome)
	raw := structToMap(cfg)

	yamlPath := filepath.Join(codexHome, "config.yaml")
	if data, err := os.ReadFile(yamlPath); err == nil {
		var overlay map[string]any
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, coreerr.Wrap(coreerr.KindConfig, "parse "+yamlPath, err)
		}
		mergeInto(raw, overlay)
	} else if !os.IsNotExist(err) {
		return nil, coreerr.Wrap(coreerr.KindConfig, "read "+yamlPath, err)
	}

	envPath := filepath.Join(codexHome, ".env")
	if _, err := os.Stat(envPath); err == nil {
		env, err := godotenv.Read(envPath)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindConfig, "parse "+envPath, err)
		}
		for k, v := range env {
			if key, ok := strings.CutPrefix(k, "CODEX_"); ok {
				raw[strings.ToLower(key)] = parseScalar(v)
			}
		}
	}

	for _, kv := range cliOverrides {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, coreerr.New(coreerr.KindConfig, "malformed --config override: "+kv)
		}
		assignDotted(raw, strings.Split(key, "."), parseScalar(val))
	}

	var out Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "build config decoder", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "decode merged config", err)
	}
	if out.Features == nil {
		out.Features = map[string]string{}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func structToMap(cfg Config) map[string]any {
	m := map[string]any{
		"codex_home":                              cfg.CodexHome,
		"model":                                    cfg.Model,
		"reasoning_effort":                         cfg.ReasoningEffort,
		"sandbox":                                  cfg.Sandbox,
		"approval_policy":                          cfg.ApprovalPolicy,
		"dangerously_bypass_approvals_and_sandbox": cfg.BypassApprovals,
		"storage":                                  cfg.Storage,
		"storage_dsn":                              cfg.StorageDSN,
		"log_level":                                cfg.LogLevel,
		"log_format":                               cfg.LogFormat,
		"features":                                 map[string]any{},
	}
	return m
}

func mergeInto(dst map[string]any, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeInto(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

func assignDotted(dst map[string]any, path []string, val any) {
	if len(path) == 1 {
		dst[path[0]] = val
		return
	}
	sub, ok := dst[path[0]].(map[string]any)
	if !ok {
		sub = map[string]any{}
		dst[path[0]] = sub
	}
	assignDotted(sub, path[1:], val)
}

func parseScalar(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Validate checks cross-field invariants not expressible via decoding alone.
func (c *Config) Validate() error {
	switch c.Sandbox {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxDangerFull:
	default:
		return coreerr.New(coreerr.KindConfig, fmt.Sprintf("unknown sandbox policy %q", c.Sandbox))
	}
	switch c.Storage {
	case "sqlite", "postgres", "mysql", "inmemory":
	default:
		return coreerr.New(coreerr.KindConfig, fmt.Sprintf("unknown storage backend %q", c.Storage))
	}
	return nil
}
