// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package config handles configuration loading and validation for the
// engine. Precedence, lowest to highest: built-in defaults, optional
// TOML file, SENTINEL_* environment variables, command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"sentinel/internal/sentinel/core"
)

// Config holds the complete service configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	HotStore  HotStoreConfig  `toml:"hot_store"`
	ColdStore ColdStoreConfig `toml:"cold_store"`
	Engine    EngineConfig    `toml:"engine"`
	Audit     AuditConfig     `toml:"audit"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string `toml:"addr"`
	MetricsAddr     string `toml:"metrics_addr"`
	StreamPerSecond int    `toml:"stream_per_second"`
	EvalPerSecond   int    `toml:"eval_per_second"`
}

// HotStoreConfig holds the Redis connection settings.
type HotStoreConfig struct {
	Addr        string `toml:"addr"`
	Password    string `toml:"password"`
	DB          int    `toml:"db"`
	SessionTTLS int    `toml:"session_ttl_s"`
}

// ColdStoreConfig holds the SQL connection settings. A DSN starting
// with postgres:// selects the Postgres driver; anything else is
// treated as a SQLite path.
type ColdStoreConfig struct {
	DSN string `toml:"dsn"`
}

// EngineConfig holds the behavioral tunables. Zero values select the
// engine's documented defaults.
type EngineConfig struct {
	KBWindowSize    int     `toml:"kb_window_size"`
	KBWindowStep    int     `toml:"kb_window_step"`
	KBCountMaturity int     `toml:"kb_count_maturity"`
	KBTimeMaturityS int     `toml:"kb_time_maturity_s"`
	IdentitySamples int     `toml:"identity_samples_required"`
	TrustedThresh   float64 `toml:"trusted_threshold"`
	TrustDelta      float64 `toml:"trust_delta"`
	BatchGapReset   int64   `toml:"batch_gap_reset"`
	StrikeLimit     float64 `toml:"strike_limit"`
	StrikeTTLDays   int     `toml:"strike_ttl_days"`
	ProvisionalBanS int     `toml:"provisional_ban_ttl_s"`
	LearnSuspendOn  float64 `toml:"learn_suspend_on"`
	LearnResumeS    int     `toml:"learn_resume_after_s"`
}

// AuditConfig selects where audit records go. The SQL sink is always
// on; FilePath adds a JSONL mirror when non-empty.
type AuditConfig struct {
	FilePath string `toml:"file_path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			StreamPerSecond: 20,
			EvalPerSecond:   10,
		},
		HotStore: HotStoreConfig{
			Addr:        "localhost:6379",
			SessionTTLS: 1800,
		},
		ColdStore: ColdStoreConfig{
			DSN: "sentinel.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the effective configuration: defaults, then the TOML file
// at path (if non-empty), then SENTINEL_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("SENTINEL_LISTEN_ADDR", &c.Server.Addr)
	envStr("SENTINEL_METRICS_ADDR", &c.Server.MetricsAddr)
	envInt("SENTINEL_STREAM_PER_SECOND", &c.Server.StreamPerSecond)
	envInt("SENTINEL_EVAL_PER_SECOND", &c.Server.EvalPerSecond)

	envStr("SENTINEL_REDIS_ADDR", &c.HotStore.Addr)
	envStr("SENTINEL_REDIS_PASSWORD", &c.HotStore.Password)
	envInt("SENTINEL_REDIS_DB", &c.HotStore.DB)
	envInt("SENTINEL_SESSION_TTL_S", &c.HotStore.SessionTTLS)

	envStr("SENTINEL_COLD_DSN", &c.ColdStore.DSN)

	envInt("SENTINEL_KB_WINDOW_SIZE", &c.Engine.KBWindowSize)
	envInt("SENTINEL_KB_WINDOW_STEP", &c.Engine.KBWindowStep)
	envInt("SENTINEL_KB_COUNT_MATURITY", &c.Engine.KBCountMaturity)
	envInt("SENTINEL_KB_TIME_MATURITY_S", &c.Engine.KBTimeMaturityS)
	envInt("SENTINEL_IDENTITY_SAMPLES_REQUIRED", &c.Engine.IdentitySamples)
	envFloat("SENTINEL_TRUSTED_THRESHOLD", &c.Engine.TrustedThresh)
	envFloat("SENTINEL_TRUST_DELTA", &c.Engine.TrustDelta)
	envInt64("SENTINEL_BATCH_GAP_RESET", &c.Engine.BatchGapReset)
	envFloat("SENTINEL_STRIKE_LIMIT", &c.Engine.StrikeLimit)
	envInt("SENTINEL_STRIKE_TTL_DAYS", &c.Engine.StrikeTTLDays)
	envInt("SENTINEL_PROVISIONAL_BAN_TTL_S", &c.Engine.ProvisionalBanS)
	envFloat("SENTINEL_LEARN_SUSPEND_ON", &c.Engine.LearnSuspendOn)
	envInt("SENTINEL_LEARN_RESUME_AFTER_S", &c.Engine.LearnResumeS)

	envStr("SENTINEL_AUDIT_FILE", &c.Audit.FilePath)
	envStr("SENTINEL_LOG_LEVEL", &c.Logging.Level)
}

// BindFlags registers overriding flags on fs, defaulting to the current
// values. Call after Load and before fs.Parse.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Server.Addr, "http_addr", c.Server.Addr, "HTTP listen address (e.g., :8080)")
	fs.StringVar(&c.Server.MetricsAddr, "metrics_addr", c.Server.MetricsAddr, "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	fs.IntVar(&c.Server.StreamPerSecond, "stream_per_second", c.Server.StreamPerSecond, "Per-session telemetry batches accepted per second")
	fs.IntVar(&c.Server.EvalPerSecond, "eval_per_second", c.Server.EvalPerSecond, "Per-session evaluations accepted per second")
	fs.StringVar(&c.HotStore.Addr, "redis_addr", c.HotStore.Addr, "Redis address for session state")
	fs.StringVar(&c.ColdStore.DSN, "cold_dsn", c.ColdStore.DSN, "SQL DSN for models and audit (postgres:// URL or SQLite path)")
	fs.StringVar(&c.Audit.FilePath, "audit_file", c.Audit.FilePath, "If non-empty, mirror audit records to this JSONL file")
	fs.Float64Var(&c.Engine.TrustedThresh, "trusted_threshold", c.Engine.TrustedThresh, "Trust score at which a session is promoted to TRUSTED")
	fs.Float64Var(&c.Engine.TrustDelta, "trust_delta", c.Engine.TrustDelta, "Maximum per-evaluation trust movement")
	fs.StringVar(&c.Logging.Level, "log_level", c.Logging.Level, "Log level (trace, debug, info, warn, error)")
	fs.BoolVar(&c.Logging.Pretty, "log_pretty", c.Logging.Pretty, "Human-readable console logs instead of JSON")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.HotStore.Addr == "" {
		return fmt.Errorf("hot_store.addr must not be empty")
	}
	if c.ColdStore.DSN == "" {
		return fmt.Errorf("cold_store.dsn must not be empty")
	}
	if c.Engine.TrustedThresh < 0 || c.Engine.TrustedThresh > 1 {
		return fmt.Errorf("engine.trusted_threshold %v out of [0,1]", c.Engine.TrustedThresh)
	}
	if c.Engine.LearnSuspendOn < 0 || c.Engine.LearnSuspendOn > 1 {
		return fmt.Errorf("engine.learn_suspend_on %v out of [0,1]", c.Engine.LearnSuspendOn)
	}
	if c.Engine.KBWindowStep > 0 && c.Engine.KBWindowSize > 0 && c.Engine.KBWindowStep > c.Engine.KBWindowSize {
		return fmt.Errorf("engine.kb_window_step %d exceeds kb_window_size %d", c.Engine.KBWindowStep, c.Engine.KBWindowSize)
	}
	return nil
}

// EngineConfig maps the file-level tunables onto the orchestrator's
// config. Unset values stay zero so the engine applies its defaults.
func (c *Config) EngineConfig() core.Config {
	e := c.Engine
	return core.Config{
		KBWindowSize:            e.KBWindowSize,
		KBWindowStep:            e.KBWindowStep,
		KBCountMaturity:         e.KBCountMaturity,
		KBTimeMaturity:          time.Duration(e.KBTimeMaturityS) * time.Second,
		IdentitySamplesRequired: e.IdentitySamples,
		TrustedThreshold:        e.TrustedThresh,
		TrustDelta:              e.TrustDelta,
		BatchGapReset:           e.BatchGapReset,
		StrikeLimit:             e.StrikeLimit,
		ProvisionalBanTTL:       time.Duration(e.ProvisionalBanS) * time.Second,
		LearnSuspendOn:          e.LearnSuspendOn,
		LearnResumeAfter:        time.Duration(e.LearnResumeS) * time.Second,
	}
}

// SessionTTL returns the hot-store session TTL, zero meaning the store
// default.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.HotStore.SessionTTLS) * time.Second
}

// StrikeTTL returns the strike-counter TTL, zero meaning the store
// default.
func (c *Config) StrikeTTL() time.Duration {
	return time.Duration(c.Engine.StrikeTTLDays) * 24 * time.Hour
}

func envStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
