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

// Package api implements the public-facing HTTP surface of the engine:
// the two telemetry stream endpoints, the evaluation endpoint, and
// health. It validates payloads, applies per-session rate limits, and
// maps engine errors onto HTTP status codes.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sentinel/internal/sentinel/core"
)

// Default per-second rate limits per session.
const (
	DefaultStreamPerSecond = 20
	DefaultEvalPerSecond   = 10
)

// maxBodyBytes bounds request bodies; telemetry batches are small.
const maxBodyBytes = 1 << 20

// Server handles the HTTP requests for the engine.
type Server struct {
	orch     *core.Orchestrator
	sessions core.SessionStore
	validate *validator.Validate
	log      zerolog.Logger

	streamPerSecond int
	evalPerSecond   int
}

// NewServer creates and configures an API server. Non-positive limits
// select the defaults.
func NewServer(orch *core.Orchestrator, sessions core.SessionStore, streamPerSecond, evalPerSecond int, log zerolog.Logger) *Server {
	if streamPerSecond <= 0 {
		streamPerSecond = DefaultStreamPerSecond
	}
	if evalPerSecond <= 0 {
		evalPerSecond = DefaultEvalPerSecond
	}
	return &Server{
		orch:            orch,
		sessions:        sessions,
		validate:        validator.New(),
		log:             log.With().Str("component", "api").Logger(),
		streamPerSecond: streamPerSecond,
		evalPerSecond:   evalPerSecond,
	}
}

// RegisterRoutes sets up the HTTP routes on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/keyboard", s.handleKeyboard)
	mux.HandleFunc("/stream/mouse", s.handleMouse)
	mux.HandleFunc("/evaluate", s.handleEvaluate)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleKeyboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var batch core.KeyboardBatch
	if !s.decode(w, r, &batch) {
		return
	}
	if !s.allowRate(w, r, "stream:"+batch.SessionID, s.streamPerSecond) {
		return
	}
	s.finishIngest(w, r, s.orch.IngestKeyboard(r.Context(), batch), batch.SessionID)
}

func (s *Server) handleMouse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var batch core.MouseBatch
	if !s.decode(w, r, &batch) {
		return
	}
	if !s.allowRate(w, r, "stream:"+batch.SessionID, s.streamPerSecond) {
		return
	}
	s.finishIngest(w, r, s.orch.IngestMouse(r.Context(), batch), batch.SessionID)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req core.EvalRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON payload", http.StatusBadRequest)
			return
		}
	}
	if req.EvalID == "" {
		req.EvalID = uuid.NewString()
	}
	if req.SessionID == "" || req.UserID == "" {
		http.Error(w, "session_id and user_id are required", http.StatusBadRequest)
		return
	}
	if !s.allowRate(w, r, "evaluate:"+req.SessionID, s.evalPerSecond) {
		return
	}
	s.enrichContext(&req.Context, r)

	resp, err := s.orch.Evaluate(r.Context(), req)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", req.SessionID).Msg("evaluate failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads, parses and validates a JSON body, answering 400 itself
// when the payload is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		http.Error(w, "payload validation failed: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// allowRate answers 429 when the per-session budget is spent. Hot-store
// trouble fails open inside the store.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, bucket string, perSecond int) bool {
	ok, err := s.sessions.AllowRate(r.Context(), bucket, perSecond)
	if err != nil {
		s.log.Warn().Err(err).Str("bucket", bucket).Msg("rate check failed open")
		return true
	}
	if !ok {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

// finishIngest maps ingest outcomes onto status codes: accepted batches
// return 204, replays 400, hot-store trouble 503.
func (s *Server) finishIngest(w http.ResponseWriter, r *http.Request, err error, sessionID string) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, core.ErrBatchReplay):
		http.Error(w, "batch replay rejected", http.StatusBadRequest)
	case errors.Is(err, core.ErrTransientConflict):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "transient conflict, retry", http.StatusServiceUnavailable)
	default:
		s.log.Error().Err(err).Str("session_id", sessionID).Str("path", r.URL.Path).Msg("ingest failed")
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	}
}

// enrichContext fills request-context fields the client did not supply
// from the transport itself.
func (s *Server) enrichContext(ctx *core.RequestContext, r *http.Request) {
	if ctx.UserAgent == "" {
		ctx.UserAgent = r.UserAgent()
	}
	if ctx.IP == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ctx.IP = host
	}
	ctx.Endpoint = r.URL.Path
	ctx.Method = r.Method
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

// ListenAndServe starts the HTTP server on the specified address.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("api server listening")
	return httpServer.ListenAndServe()
}
