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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "localhost:6379", cfg.HotStore.Addr)
	require.Equal(t, "sentinel.db", cfg.ColdStore.DSN)
	require.Equal(t, 20, cfg.Server.StreamPerSecond)
	require.Equal(t, 30*time.Minute, cfg.SessionTTL())
	require.Zero(t, cfg.StrikeTTL(), "unset strike TTL defers to the store default")
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.toml")
	body := `
[server]
addr = ":9999"

[engine]
kb_window_size = 40
trusted_threshold = 0.8
strike_ttl_days = 3

[audit]
file_path = "/tmp/audit.jsonl"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Server.Addr)
	require.Equal(t, 40, cfg.Engine.KBWindowSize)
	require.Equal(t, 0.8, cfg.Engine.TrustedThresh)
	require.Equal(t, 3*24*time.Hour, cfg.StrikeTTL())
	require.Equal(t, "/tmp/audit.jsonl", cfg.Audit.FilePath)
	// Untouched sections keep their defaults.
	require.Equal(t, "localhost:6379", cfg.HotStore.Addr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.toml")
	require.NoError(t, os.WriteFile(path, []byte("[hot_store]\naddr = \"file:6379\"\n"), 0o644))

	t.Setenv("SENTINEL_REDIS_ADDR", "env:6379")
	t.Setenv("SENTINEL_TRUST_DELTA", "0.05")
	t.Setenv("SENTINEL_BATCH_GAP_RESET", "25")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env:6379", cfg.HotStore.Addr)
	require.Equal(t, 0.05, cfg.Engine.TrustDelta)
	require.Equal(t, int64(25), cfg.Engine.BatchGapReset)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SENTINEL_LISTEN_ADDR", ":7070")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Server.Addr)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"-http_addr", ":6060", "-log_pretty"}))
	require.Equal(t, ":6060", cfg.Server.Addr)
	require.True(t, cfg.Logging.Pretty)
}

func TestEngineConfigMapping(t *testing.T) {
	cfg := Default()
	cfg.Engine.KBWindowSize = 40
	cfg.Engine.KBTimeMaturityS = 15
	cfg.Engine.LearnResumeS = 90

	ec := cfg.EngineConfig()
	require.Equal(t, 40, ec.KBWindowSize)
	require.Equal(t, 15*time.Second, ec.KBTimeMaturity)
	require.Equal(t, 90*time.Second, ec.LearnResumeAfter)
	require.Zero(t, ec.TrustDelta, "unset tunables stay zero for the engine defaults")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Engine.TrustedThresh = 1.5
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.KBWindowSize = 10
	cfg.Engine.KBWindowStep = 20
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ColdStore.DSN = ""
	require.Error(t, cfg.Validate())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
