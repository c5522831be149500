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

package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"sentinel/internal/sentinel/core"
)

func newHotStore(t *testing.T) (*RedisSessionStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client, 0, 0, zerolog.Nop()), mr, client
}

func TestSessionLoadMissing(t *testing.T) {
	store, _, _ := newHotStore(t)
	s, err := store.Load(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, s)
}

func TestSessionUpdateCreatesAndRoundTrips(t *testing.T) {
	store, _, _ := newHotStore(t)
	ctx := context.Background()
	now := time.Date(2025, 10, 6, 9, 0, 0, 0, time.UTC)

	_, err := store.Update(ctx, "s1", func(s *core.SessionState) (*core.SessionState, error) {
		require.Nil(t, s, "first update sees no prior state")
		s = core.NewSessionState("s1", "u1", now)
		s.TrustScore = 0.61
		s.LastKeyboardBatch = 7
		return s, nil
	})
	require.NoError(t, err)

	s, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, "u1", s.UserID)
	require.Equal(t, 0.61, s.TrustScore)
	require.Equal(t, int64(7), s.LastKeyboardBatch)
}

func TestSessionUpdateAbortsOnBusinessError(t *testing.T) {
	store, mr, _ := newHotStore(t)
	_, err := store.Update(context.Background(), "s1", func(s *core.SessionState) (*core.SessionState, error) {
		return nil, core.ErrBatchReplay
	})
	require.ErrorIs(t, err, core.ErrBatchReplay)
	require.False(t, mr.Exists(SessionKey("s1")), "aborted update must not write")
}

func TestSessionUpdateRetriesLostRace(t *testing.T) {
	store, _, client := newHotStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.Update(ctx, "s1", func(*core.SessionState) (*core.SessionState, error) {
		return core.NewSessionState("s1", "u1", now), nil
	})
	require.NoError(t, err)

	calls := 0
	_, err = store.Update(ctx, "s1", func(s *core.SessionState) (*core.SessionState, error) {
		calls++
		if calls == 1 {
			// Dirty the watched key from outside the transaction.
			other := core.NewSessionState("s1", "intruder", now)
			b, merr := other.Marshal()
			require.NoError(t, merr)
			require.NoError(t, client.Set(ctx, SessionKey("s1"), b, 0).Err())
		}
		s.TrustScore = 0.9
		return s, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls, "lost race should re-run against fresh state")

	s, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "intruder", s.UserID, "second attempt must see the racing write")
	require.Equal(t, 0.9, s.TrustScore)
}

func TestSessionUpdateGivesUpAfterRetries(t *testing.T) {
	store, _, client := newHotStore(t)
	ctx := context.Background()
	now := time.Now()
	_, err := store.Update(ctx, "s1", func(*core.SessionState) (*core.SessionState, error) {
		return core.NewSessionState("s1", "u1", now), nil
	})
	require.NoError(t, err)

	calls := 0
	_, err = store.Update(ctx, "s1", func(s *core.SessionState) (*core.SessionState, error) {
		calls++
		b, _ := core.NewSessionState("s1", "u1", now).Marshal()
		require.NoError(t, client.Set(ctx, SessionKey("s1"), b, 0).Err())
		return s, nil
	})
	require.ErrorIs(t, err, core.ErrTransientConflict)
	require.Equal(t, sessionTxRetries, calls)
}

func TestBanLifecycle(t *testing.T) {
	store, mr, _ := newHotStore(t)
	ctx := context.Background()

	ban, err := store.GetBan(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, ban)

	require.NoError(t, store.SetBan(ctx, "u1", core.Ban{Provenance: "provisional", Reason: "mouse_physics"}, 5*time.Minute))
	ban, err = store.GetBan(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, ban)
	require.Equal(t, "provisional", ban.Provenance)
	require.Equal(t, "mouse_physics", ban.Reason)
	require.Equal(t, 5*time.Minute, ban.ExpiresIn, "remaining TTL rides along with the ban")

	mr.FastForward(6 * time.Minute)
	ban, err = store.GetBan(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, ban, "ban should expire with its TTL")

	require.NoError(t, store.SetBan(ctx, "u1", core.Ban{Provenance: "strikes", Reason: "strike_limit"}, time.Hour))
	require.NoError(t, store.ClearBan(ctx, "u1"))
	ban, err = store.GetBan(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, ban)
}

func TestStrikesAccumulateAndExpire(t *testing.T) {
	store, mr, _ := newHotStore(t)
	ctx := context.Background()

	total, err := store.IncrStrikes(ctx, "u1", 0.5)
	require.NoError(t, err)
	require.Equal(t, 0.5, total)
	total, err = store.IncrStrikes(ctx, "u1", 1)
	require.NoError(t, err)
	require.Equal(t, 1.5, total)

	got, err := store.GetStrikes(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1.5, got)

	mr.FastForward(8 * 24 * time.Hour)
	got, err = store.GetStrikes(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 0.0, got, "strikes roll off with the TTL")
}

func TestRateLimitPerSecond(t *testing.T) {
	store, mr, _ := newHotStore(t)
	ctx := context.Background()
	fixed := time.Date(2025, 10, 6, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	for i := 0; i < 3; i++ {
		ok, err := store.AllowRate(ctx, "stream:s1", 3)
		require.NoError(t, err)
		require.True(t, ok, "request %d should pass", i+1)
	}
	ok, err := store.AllowRate(ctx, "stream:s1", 3)
	require.NoError(t, err)
	require.False(t, ok, "limit exceeded")

	// The next second gets a fresh counter.
	fixed = fixed.Add(time.Second)
	mr.FastForward(time.Second)
	ok, err = store.AllowRate(ctx, "stream:s1", 3)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClaimEvalID(t *testing.T) {
	store, mr, _ := newHotStore(t)
	ctx := context.Background()

	ok, err := store.ClaimEvalID(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.ClaimEvalID(ctx, "e1")
	require.NoError(t, err)
	require.False(t, ok, "duplicate within the dedup window")

	mr.FastForward(61 * time.Second)
	ok, err = store.ClaimEvalID(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok, "claim expires after the dedup window")
}
