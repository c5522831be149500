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
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sentinel/internal/sentinel/core"
)

// learnRetries bounds optimistic-version retries per learn cycle.
const learnRetries = 3

// SQLModelStore keeps per-user behavior models in a SQL cold store as
// base64 blobs under optimistic versioning. It works against SQLite
// (default) and PostgreSQL, selected by driver name.
type SQLModelStore struct {
	db     *sql.DB
	driver string
	locks  *lockTable
	log    zerolog.Logger
}

// NewSQLModelStore wraps an open database handle. driver is the
// database/sql driver name ("sqlite3" or "postgres").
func NewSQLModelStore(db *sql.DB, driver string, log zerolog.Logger) *SQLModelStore {
	return &SQLModelStore{
		db:     db,
		driver: driver,
		locks:  newLockTable(),
		log:    log.With().Str("component", "model_store").Logger(),
	}
}

// EnsureSchema creates the model table when missing.
func (s *SQLModelStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_behavior_models (
			user_id              TEXT NOT NULL,
			model_type           TEXT NOT NULL,
			blob                 TEXT NOT NULL,
			feature_window_count INTEGER NOT NULL,
			version              INTEGER NOT NULL,
			updated_at           TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, model_type)
		)`)
	if err != nil {
		return fmt.Errorf("model schema: %w", err)
	}
	return nil
}

// bind rewrites ?-style placeholders for drivers that number them.
func (s *SQLModelStore) bind(query string) string {
	return bindPlaceholders(s.driver, query)
}

func bindPlaceholders(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Load returns the user's model, or (nil, nil) when absent. A blob that
// fails the integrity check is deleted (auto-heal) and reported as
// absent: a corrupted model is worth less than a cold start.
func (s *SQLModelStore) Load(ctx context.Context, userID string, t core.ModelType) (*core.BehaviorModel, error) {
	m, _, err := s.loadRow(ctx, userID, t)
	return m, err
}

func (s *SQLModelStore) loadRow(ctx context.Context, userID string, t core.ModelType) (*core.BehaviorModel, int64, error) {
	var blob string
	var version int64
	err := s.db.QueryRowContext(ctx,
		s.bind(`SELECT blob, version FROM user_behavior_models WHERE user_id = ? AND model_type = ?`),
		userID, string(t),
	).Scan(&blob, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("model load %s/%s: %w", userID, t, err)
	}

	if len(blob)%4 != 0 {
		return nil, 0, s.heal(ctx, userID, t, "base64 length")
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, 0, s.heal(ctx, userID, t, "base64 decode")
	}
	m, err := core.UnmarshalBehaviorModel(raw)
	if err != nil {
		return nil, 0, s.heal(ctx, userID, t, "model decode")
	}
	return m, version, nil
}

// heal deletes a corrupted row so the next learn cycle starts clean.
func (s *SQLModelStore) heal(ctx context.Context, userID string, t core.ModelType, cause string) error {
	core.RecordBlobHeal()
	s.log.Warn().
		Str("user_id", userID).
		Str("model", string(t)).
		Str("cause", cause).
		Msg("corrupted model blob deleted")
	_, err := s.db.ExecContext(ctx,
		s.bind(`DELETE FROM user_behavior_models WHERE user_id = ? AND model_type = ?`),
		userID, string(t))
	if err != nil {
		return fmt.Errorf("model heal %s/%s: %w", userID, t, err)
	}
	return nil
}

// save writes the model conditionally on the version it was loaded at.
// version 0 means the row did not exist. Returns false on a version
// conflict.
func (s *SQLModelStore) save(ctx context.Context, userID string, t core.ModelType, m *core.BehaviorModel, loadedVersion int64) (bool, error) {
	raw, err := m.Marshal()
	if err != nil {
		return false, err
	}
	blob := base64.StdEncoding.EncodeToString(raw)
	if len(blob)%4 != 0 {
		// Std encoding always pads; a violation here means corruption
		// between encode and write.
		return false, fmt.Errorf("%w: %s/%s", core.ErrBlobIntegrity, userID, t)
	}
	now := time.Now().UTC()

	if loadedVersion == 0 {
		res, err := s.db.ExecContext(ctx, s.bind(`
			INSERT INTO user_behavior_models (user_id, model_type, blob, feature_window_count, version, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT (user_id, model_type) DO NOTHING`),
			userID, string(t), blob, m.SampleCount(), now)
		if err != nil {
			return false, fmt.Errorf("model insert %s/%s: %w", userID, t, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	}

	res, err := s.db.ExecContext(ctx, s.bind(`
		UPDATE user_behavior_models
		SET blob = ?, feature_window_count = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND model_type = ? AND version = ?`),
		blob, m.SampleCount(), now, userID, string(t), loadedVersion)
	if err != nil {
		return false, fmt.Errorf("model update %s/%s: %w", userID, t, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LearnWithRetry runs one load-mutate-save cycle under the per-(user,
// model) in-process lock. When another goroutine holds the lock the cycle
// is skipped, not queued: models converge from future windows anyway.
// Version conflicts (another process won the write) retry with a fresh
// load, then give up with core.ErrTransientConflict.
func (s *SQLModelStore) LearnWithRetry(ctx context.Context, userID string, t core.ModelType, fn func(*core.BehaviorModel) error) error {
	release, ok := s.locks.tryAcquire(userID + "/" + string(t))
	if !ok {
		s.log.Debug().Str("user_id", userID).Str("model", string(t)).Msg("learn skipped, lock held")
		return nil
	}
	defer release()

	for attempt := 0; attempt < learnRetries; attempt++ {
		m, version, err := s.loadRow(ctx, userID, t)
		if err != nil {
			return err
		}
		if m == nil {
			m, err = core.NewBehaviorModel(t)
			if err != nil {
				return err
			}
			version = 0
		}
		if err := fn(m); err != nil {
			return err
		}
		saved, err := s.save(ctx, userID, t, m, version)
		if err != nil {
			return err
		}
		if saved {
			return nil
		}
		core.RecordLearnConflict()
		s.log.Debug().
			Str("user_id", userID).
			Str("model", string(t)).
			Int("attempt", attempt+1).
			Msg("model version conflict, reloading")
	}
	return fmt.Errorf("learn %s/%s: %w", userID, t, core.ErrTransientConflict)
}
