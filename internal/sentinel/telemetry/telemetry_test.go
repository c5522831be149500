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

package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"sentinel/internal/sentinel/core"
)

func scrape(t *testing.T) string {
	t.Helper()
	handler := promhttp.HandlerFor(NewRegistry(), promhttp.HandlerOpts{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestScrapeExportsEngineCounters(t *testing.T) {
	core.RecordDecision(core.DecisionChallenge)
	core.RecordKeyboardBatch(3)
	core.RecordFailSafe()

	body := scrape(t)
	require.Contains(t, body, `sentinel_evaluations_total{decision="challenge"}`)
	require.Contains(t, body, `sentinel_evaluations_total{decision="allow"}`)
	require.Contains(t, body, "sentinel_keyboard_batches_total")
	require.Contains(t, body, "sentinel_feature_windows_total")
	require.Contains(t, body, "sentinel_fail_safes_total")
}

func TestScrapeReflectsNewActivity(t *testing.T) {
	counterLine := func(body, name string) string {
		for _, line := range strings.Split(body, "\n") {
			if strings.HasPrefix(line, name+" ") {
				return line
			}
		}
		return ""
	}

	before := counterLine(scrape(t), "sentinel_mouse_batches_total")
	core.RecordMouseBatch()
	after := counterLine(scrape(t), "sentinel_mouse_batches_total")
	require.NotEmpty(t, before)
	require.NotEmpty(t, after)
	require.NotEqual(t, before, after, "scrape samples live counters")
}
