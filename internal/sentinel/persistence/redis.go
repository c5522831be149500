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

// Package persistence implements the engine's storage backends: the
// Redis hot store for session state and fast-path primitives, the SQL
// cold store for per-user behavior models, and the audit sinks.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"sentinel/internal/sentinel/core"
)

// Hot-store layout and policy.
const (
	// sessionTxRetries bounds optimistic-transaction retries before the
	// caller sees a transient conflict.
	sessionTxRetries = 5

	// DefaultSessionTTL evicts idle sessions.
	DefaultSessionTTL = 30 * time.Minute
	// DefaultStrikeTTL is the rolling lifetime of the strike counter.
	DefaultStrikeTTL = 7 * 24 * time.Hour
	// evalDedupTTL is how long an eval ID stays claimed.
	evalDedupTTL = 60 * time.Second
	// rateWindow is the lifetime of a per-second rate counter; two
	// seconds tolerates clock-edge straddling.
	rateWindow = 2 * time.Second
)

// Key layout helpers, exported for tooling that inspects the hot store.
func SessionKey(sessionID string) string { return "session:" + sessionID + ":state" }
func BlacklistKey(userID string) string  { return "blacklist:" + userID }
func StrikesKey(userID string) string    { return "global_strikes:" + userID }
func EvalDedupKey(evalID string) string  { return "EVAL_DEDUP:" + evalID }

func rateKey(bucket string, sec int64) string {
	return fmt.Sprintf("RATE:%s:%d", bucket, sec)
}

// RedisSessionStore is the hot-state backend on go-redis. Session state
// updates run under WATCH/MULTI/EXEC so concurrent writers never clobber
// each other silently.
type RedisSessionStore struct {
	client     *redis.Client
	sessionTTL time.Duration
	strikeTTL  time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewRedisSessionStore wraps an existing client. Non-positive TTLs select
// the defaults.
func NewRedisSessionStore(client *redis.Client, sessionTTL, strikeTTL time.Duration, log zerolog.Logger) *RedisSessionStore {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	if strikeTTL <= 0 {
		strikeTTL = DefaultStrikeTTL
	}
	return &RedisSessionStore{
		client:     client,
		sessionTTL: sessionTTL,
		strikeTTL:  strikeTTL,
		log:        log.With().Str("component", "session_store").Logger(),
		now:        time.Now,
	}
}

// hotErr maps backend failures onto the hot-store sentinel so callers can
// fail safe without inspecting driver errors.
func hotErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", core.ErrHotStoreUnavailable, err)
}

// Load fetches the session state, (nil, nil) when absent.
func (r *RedisSessionStore) Load(ctx context.Context, sessionID string) (*core.SessionState, error) {
	b, err := r.client.Get(ctx, SessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, hotErr(err)
	}
	s, err := core.UnmarshalSessionState(b)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return s, nil
}

// Update runs fn under WATCH on the session key. When the transaction
// loses its race the function is re-run against refreshed state, up to
// sessionTxRetries times, then core.ErrTransientConflict.
func (r *RedisSessionStore) Update(ctx context.Context, sessionID string, fn func(*core.SessionState) (*core.SessionState, error)) (*core.SessionState, error) {
	key := SessionKey(sessionID)
	var result *core.SessionState

	txn := func(tx *redis.Tx) error {
		var cur *core.SessionState
		b, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			cur = nil
		case err != nil:
			return err
		default:
			cur, err = core.UnmarshalSessionState(b)
			if err != nil {
				return err
			}
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		enc, err := next.Marshal()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, enc, r.sessionTTL)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for attempt := 0; attempt < sessionTxRetries; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, redis.TxFailedErr):
			r.log.Debug().Str("session_id", sessionID).Int("attempt", attempt+1).Msg("session tx lost race")
			continue
		case isBusinessError(err):
			return nil, err
		default:
			return nil, hotErr(err)
		}
	}
	return nil, core.ErrTransientConflict
}

// isBusinessError distinguishes errors raised by the caller's fn from
// backend failures, so they pass through unwrapped.
func isBusinessError(err error) bool {
	return errors.Is(err, core.ErrBatchReplay) ||
		errors.Is(err, core.ErrTransientConflict) ||
		errors.Is(err, core.ErrBlobIntegrity)
}

// GetBan returns the active blacklist entry, nil when the user is clean.
// Values are stored as "provenance|reason"; the remaining key TTL rides
// along so callers can report the lockout length.
func (r *RedisSessionStore) GetBan(ctx context.Context, userID string) (*core.Ban, error) {
	key := BlacklistKey(userID)
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, hotErr(err)
	}
	expires, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return nil, hotErr(err)
	}
	if expires < 0 {
		// Key without TTL, or it raced away between the two reads.
		expires = 0
	}
	prov, reason, _ := strings.Cut(v, "|")
	return &core.Ban{Provenance: prov, Reason: reason, ExpiresIn: expires}, nil
}

// SetBan blacklists the user for ttl.
func (r *RedisSessionStore) SetBan(ctx context.Context, userID string, ban core.Ban, ttl time.Duration) error {
	v := ban.Provenance + "|" + ban.Reason
	if err := r.client.Set(ctx, BlacklistKey(userID), v, ttl).Err(); err != nil {
		return hotErr(err)
	}
	return nil
}

// ClearBan lifts a blacklist entry early.
func (r *RedisSessionStore) ClearBan(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, BlacklistKey(userID)).Err(); err != nil {
		return hotErr(err)
	}
	return nil
}

// IncrStrikes bumps the rolling strike counter and refreshes its TTL.
func (r *RedisSessionStore) IncrStrikes(ctx context.Context, userID string, delta float64) (float64, error) {
	key := StrikesKey(userID)
	total, err := r.client.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, hotErr(err)
	}
	if err := r.client.Expire(ctx, key, r.strikeTTL).Err(); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("strike TTL not refreshed")
	}
	return total, nil
}

// GetStrikes reads the current strike total, 0 when absent.
func (r *RedisSessionStore) GetStrikes(ctx context.Context, userID string) (float64, error) {
	v, err := r.client.Get(ctx, StrikesKey(userID)).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, hotErr(err)
	}
	return v, nil
}

// AllowRate enforces a per-second limit on the bucket via INCR on a
// second-stamped key. A backend error fails open: rate limiting protects
// capacity, it is not a security control.
func (r *RedisSessionStore) AllowRate(ctx context.Context, bucket string, perSecond int) (bool, error) {
	if perSecond <= 0 {
		return true, nil
	}
	key := rateKey(bucket, r.now().Unix())
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		r.log.Warn().Err(err).Str("bucket", bucket).Msg("rate counter unavailable, failing open")
		return true, nil
	}
	if n == 1 {
		if err := r.client.Expire(ctx, key, rateWindow).Err(); err != nil {
			r.log.Warn().Err(err).Str("bucket", bucket).Msg("rate TTL not set")
		}
	}
	return n <= int64(perSecond), nil
}

// ClaimEvalID marks an eval ID as processed; false means a recent
// duplicate.
func (r *RedisSessionStore) ClaimEvalID(ctx context.Context, evalID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, EvalDedupKey(evalID), 1, evalDedupTTL).Result()
	if err != nil {
		return false, hotErr(err)
	}
	return ok, nil
}
