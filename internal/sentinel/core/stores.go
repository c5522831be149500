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
	"context"
	"errors"
	"time"
)

// Store error values. Implementations wrap these so callers can match
// with errors.Is regardless of backend.
var (
	// ErrTransientConflict: an optimistic transaction lost its race too
	// many times in a row.
	ErrTransientConflict = errors.New("transient conflict, retry")
	// ErrHotStoreUnavailable: the hot store did not answer inside the
	// hot-path deadline. Callers fail safe, never open.
	ErrHotStoreUnavailable = errors.New("hot store unavailable")
	// ErrBlobIntegrity: a model blob failed the integrity check on
	// write. Reads auto-heal instead of returning this.
	ErrBlobIntegrity = errors.New("model blob integrity check failed")
	// ErrBatchReplay: an ingest batch at or below the session's
	// high-water mark. The batch is rejected with no state change.
	ErrBatchReplay = errors.New("batch replay rejected")
)

// Ban is an active blacklist entry for a user. ExpiresIn is the
// remaining lifetime observed at read time; it is not part of the
// stored value.
type Ban struct {
	Provenance string        `json:"provenance"`
	Reason     string        `json:"reason"`
	ExpiresIn  time.Duration `json:"expires_in,omitempty"`
}

// SessionStore is the hot-state backend: session state under optimistic
// transactions plus the small fast-path primitives (bans, strikes, rate
// limits, eval dedup) that ride the same store.
type SessionStore interface {
	// Load returns the session state, or (nil, nil) when absent.
	Load(ctx context.Context, sessionID string) (*SessionState, error)

	// Update runs fn under an optimistic transaction. fn receives the
	// current state (nil when the session does not exist yet) and
	// returns the state to persist. An error from fn aborts without
	// writing. Lost races retry with refreshed state a bounded number
	// of times, then ErrTransientConflict.
	Update(ctx context.Context, sessionID string, fn func(*SessionState) (*SessionState, error)) (*SessionState, error)

	GetBan(ctx context.Context, userID string) (*Ban, error)
	SetBan(ctx context.Context, userID string, ban Ban, ttl time.Duration) error
	ClearBan(ctx context.Context, userID string) error

	// IncrStrikes adds delta to the user's rolling strike count and
	// returns the new total. The counter expires on its own.
	IncrStrikes(ctx context.Context, userID string, delta float64) (float64, error)
	GetStrikes(ctx context.Context, userID string) (float64, error)

	// AllowRate reports whether one more event fits under the
	// per-second limit for the bucket. Backend errors fail open.
	AllowRate(ctx context.Context, bucket string, perSecond int) (bool, error)

	// ClaimEvalID returns false when the eval ID was already processed
	// recently.
	ClaimEvalID(ctx context.Context, evalID string) (bool, error)
}

// ModelStore is the cold-state backend for per-user behavior models.
type ModelStore interface {
	// Load returns the stored model, or (nil, nil) when the user has
	// none (including after an integrity auto-heal).
	Load(ctx context.Context, userID string, t ModelType) (*BehaviorModel, error)

	// LearnWithRetry loads the model (constructing a fresh one when
	// absent), applies fn, and saves under optimistic versioning,
	// retrying version conflicts a bounded number of times. Concurrent
	// learns for the same (user, model) in this process are skipped,
	// not queued.
	LearnWithRetry(ctx context.Context, userID string, t ModelType, fn func(*BehaviorModel) error) error
}

// AuditRecord is the immutable record of one evaluation.
type AuditRecord struct {
	EvalID        string             `json:"eval_id"`
	SessionID     string             `json:"session_id"`
	UserID        string             `json:"user_id"`
	Decision      Decision           `json:"decision"`
	Risk          float64            `json:"risk"`
	TrustScore    float64            `json:"trust_score"`
	Mode          Mode               `json:"mode"`
	Phase         Phase              `json:"phase"`
	Scores        map[string]float64 `json:"scores"`
	Reasons       []string           `json:"reasons,omitempty"`
	Context       RequestContext     `json:"context"`
	EngineVersion string             `json:"engine_version"`
	At            time.Time          `json:"at"`
}

// AuditSink records evaluation outcomes. Sinks must tolerate duplicate
// eval IDs (record-once semantics are the sink's concern).
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}
