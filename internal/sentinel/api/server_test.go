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

package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"sentinel/internal/sentinel/core"
	"sentinel/internal/sentinel/persistence"
)

// newTestStack wires a real server against miniredis and an in-memory
// SQLite cold store, end to end.
func newTestStack(t *testing.T, evalPerSecond int) (*httptest.Server, *sql.DB) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := persistence.NewRedisSessionStore(client, 0, 0, zerolog.Nop())

	db, driver, err := persistence.OpenColdStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	models := persistence.NewSQLModelStore(db, driver, zerolog.Nop())
	require.NoError(t, models.EnsureSchema(context.Background()))
	audit := persistence.NewSQLAuditSink(db, driver)
	require.NoError(t, audit.EnsureSchema(context.Background()))

	orch := core.NewOrchestrator(core.Config{}, sessions, models, audit, zerolog.Nop())
	srv := NewServer(orch, sessions, 0, evalPerSecond, zerolog.Nop())

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, db
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func keyboardBatch(batchID int64, n int, start float64) map[string]any {
	events := make([]map[string]any, 0, 2*n)
	t := start
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i%26)
		events = append(events,
			map[string]any{"key": key, "action": "DOWN", "ts": t},
			map[string]any{"key": key, "action": "UP", "ts": t + 85},
		)
		t += 160
	}
	return map[string]any{
		"session_id": "s1", "user_id": "u1", "batch_id": batchID, "events": events,
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestStack(t, 0)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestKeyboardStreamAcceptsAndRejectsReplay(t *testing.T) {
	ts, _ := newTestStack(t, 0)

	resp := postJSON(t, ts.URL+"/stream/keyboard", keyboardBatch(1, 10, 0))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/stream/keyboard", keyboardBatch(1, 10, 0))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "replayed batch_id must be rejected")

	resp = postJSON(t, ts.URL+"/stream/keyboard", keyboardBatch(2, 10, 2000))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestMouseStreamAccepts(t *testing.T) {
	ts, _ := newTestStack(t, 0)
	batch := map[string]any{
		"session_id": "s1", "user_id": "u1", "batch_id": 1,
		"events": []map[string]any{
			{"x": 100, "y": 100, "action": "MOVE", "ts": 1000},
			{"x": 110, "y": 104, "action": "MOVE", "ts": 1016},
			{"x": 118, "y": 109, "action": "CLICK", "ts": 1040},
		},
	}
	resp := postJSON(t, ts.URL+"/stream/mouse", batch)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStreamValidation(t *testing.T) {
	ts, _ := newTestStack(t, 0)

	resp, err := http.Post(ts.URL+"/stream/keyboard", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing session_id trips the validator.
	resp = postJSON(t, ts.URL+"/stream/keyboard", map[string]any{
		"user_id": "u1", "batch_id": 1,
		"events": []map[string]any{{"key": "a", "action": "DOWN", "ts": 1}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvaluateReturnsDecision(t *testing.T) {
	ts, db := newTestStack(t, 0)

	resp := postJSON(t, ts.URL+"/evaluate", map[string]any{
		"eval_id": "e1", "session_id": "s1", "user_id": "u1",
		"context": map[string]any{"user_agent": "curl/8.4.0", "ip_geo_country": "DE"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body core.EvalResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "e1", body.EvalID)
	require.Equal(t, core.DecisionChallenge, body.Decision, "a brand-new session has no mature evidence")
	require.NotEmpty(t, body.Reasons)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM audit_logs WHERE eval_id = 'e1'`).Scan(&n))
	require.Equal(t, 1, n, "every evaluation is audited")
}

func TestEvaluateGeneratesEvalID(t *testing.T) {
	ts, _ := newTestStack(t, 0)
	resp := postJSON(t, ts.URL+"/evaluate", map[string]any{
		"session_id": "s1", "user_id": "u1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body core.EvalResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.EvalID)
}

func TestEvaluateRequiresIdentifiers(t *testing.T) {
	ts, _ := newTestStack(t, 0)
	resp := postJSON(t, ts.URL+"/evaluate", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvaluateRateLimited(t *testing.T) {
	ts, _ := newTestStack(t, 2)
	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		resp := postJSON(t, ts.URL+"/evaluate", map[string]any{
			"eval_id": fmt.Sprintf("e%d", i), "session_id": "s1", "user_id": "u1",
		})
		codes[resp.StatusCode]++
	}
	require.Greater(t, codes[http.StatusTooManyRequests], 0, "burst over the limit must see 429s: %v", codes)
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestStack(t, 0)
	for _, path := range []string{"/evaluate", "/stream/keyboard", "/stream/mouse"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
}
