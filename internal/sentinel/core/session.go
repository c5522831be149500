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

package core

import (
	"encoding/json"
	"time"
)

// Buffer caps on the hot session state. The state is a single Redis value
// rewritten on every mutation, so it must stay small.
const (
	// MaxCompletedWindows bounds the feature windows retained for
	// learning and scoring; older windows are dropped oldest-first.
	MaxCompletedWindows = 20
)

// InitialTrust is the trust score of a brand-new session: neutral, with
// full room to move in either direction.
const InitialTrust = 0.5

// EvalRecord caches the outcome of the most recent evaluation so a
// duplicated eval ID can be answered idempotently without re-running the
// pipeline.
type EvalRecord struct {
	EvalID     string    `json:"eval_id"`
	Decision   Decision  `json:"decision"`
	Risk       float64   `json:"risk"`
	TrustScore float64   `json:"trust_score"`
	Mode       Mode      `json:"mode"`
	Phase      Phase     `json:"phase"`
	Reasons    []string  `json:"reasons,omitempty"`
	At         time.Time `json:"at"`
}

// SessionState is the complete hot state of one authenticated session.
// It is stored as a single JSON value in Redis and updated under an
// optimistic transaction, so every field must round-trip through JSON.
type SessionState struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`

	TrustScore float64 `json:"trust_score"`
	Mode       Mode    `json:"mode"`
	Phase      Phase   `json:"phase"`

	CreatedAt  time.Time `json:"created_at"`
	LastEvalAt time.Time `json:"last_eval_at"`

	// High-water batch IDs for replay and gap detection, -1 before the
	// first batch.
	LastKeyboardBatch int64 `json:"last_kb_batch"`
	LastMouseBatch    int64 `json:"last_mouse_batch"`

	Keyboard KeyboardBuffer `json:"keyboard"`
	Mouse    MouseBuffer    `json:"mouse"`

	// Windows holds completed feature windows pending scoring/learning,
	// capped at MaxCompletedWindows. WindowTotal counts every window the
	// session ever emitted and drives maturity math.
	Windows     []FeatureWindow `json:"windows,omitempty"`
	WindowTotal int             `json:"window_total"`

	// Click accounting for the teleportation ratio.
	TotalClicks    int `json:"total_clicks"`
	TeleportClicks int `json:"teleport_clicks"`

	// PhysicsRisk is the highest stroke risk observed since the last
	// evaluation consumed it.
	PhysicsRisk    float64  `json:"physics_risk"`
	PhysicsReasons []string `json:"physics_reasons,omitempty"`

	// Navigator memory.
	Pin                *ContextPin `json:"pin,omitempty"`
	LastGeoCountry     string      `json:"last_geo_country,omitempty"`
	LastGeoSeenAt      time.Time   `json:"last_geo_seen_at"`
	ContextStableSince time.Time   `json:"context_stable_since"`

	ConsecutiveAllows int `json:"consecutive_allows"`

	// LearnSuspendedAt is re-stamped on every high-risk navigation
	// observation, so learning resumes only after a full clean interval.
	LearnSuspendedAt time.Time `json:"learn_suspended_at"`

	// LastEval is the cached decision for eval-ID replay.
	LastEval *EvalRecord `json:"last_eval,omitempty"`
}

// NewSessionState returns the neutral starting state for a session.
func NewSessionState(sessionID, userID string, now time.Time) *SessionState {
	return &SessionState{
		SessionID:         sessionID,
		UserID:            userID,
		TrustScore:        InitialTrust,
		Mode:              ModeNormal,
		Phase:             PhaseUnknown,
		CreatedAt:         now,
		LastKeyboardBatch: -1,
		LastMouseBatch:    -1,
	}
}

// AppendWindows adds freshly extracted feature windows, enforcing the
// retention cap and advancing the lifetime counter.
func (s *SessionState) AppendWindows(ws []FeatureWindow) {
	if len(ws) == 0 {
		return
	}
	s.Windows = append(s.Windows, ws...)
	s.WindowTotal += len(ws)
	if len(s.Windows) > MaxCompletedWindows {
		s.Windows = s.Windows[len(s.Windows)-MaxCompletedWindows:]
	}
}

// ResetBehaviorBuffers discards all accumulated behavioral evidence. Used
// when a batch gap makes continuity of the event stream untrustworthy.
func (s *SessionState) ResetBehaviorBuffers() {
	s.Keyboard.Reset()
	s.Mouse.Reset()
	s.Windows = nil
}

// LearningSuspended reports whether identity learning is paused. The
// suspension stamp is refreshed on every high-risk observation, so this
// clears exactly resumeAfter after the last one.
func (s *SessionState) LearningSuspended(now time.Time, resumeAfter time.Duration) bool {
	if s.LearnSuspendedAt.IsZero() {
		return false
	}
	return now.Sub(s.LearnSuspendedAt) < resumeAfter
}

// Marshal encodes the state for the hot store.
func (s *SessionState) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSessionState decodes a hot-store value.
func UnmarshalSessionState(b []byte) (*SessionState, error) {
	var s SessionState
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
