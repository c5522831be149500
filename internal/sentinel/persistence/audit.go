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
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"sentinel/internal/sentinel/core"
)

// SQLAuditSink writes one immutable row per evaluation. The eval_id
// primary key makes duplicate records a no-op, so retries and replays
// cannot double-audit.
type SQLAuditSink struct {
	db     *sql.DB
	driver string
}

// NewSQLAuditSink wraps an open database handle.
func NewSQLAuditSink(db *sql.DB, driver string) *SQLAuditSink {
	return &SQLAuditSink{db: db, driver: driver}
}

// EnsureSchema creates the audit table when missing.
func (a *SQLAuditSink) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_logs (
			eval_id     TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			decision    TEXT NOT NULL,
			risk        REAL NOT NULL,
			trust_score REAL NOT NULL,
			mode        TEXT NOT NULL,
			phase       TEXT NOT NULL,
			payload     TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}
	return nil
}

// Record inserts the evaluation record, ignoring duplicates.
func (a *SQLAuditSink) Record(ctx context.Context, rec core.AuditRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit encode %s: %w", rec.EvalID, err)
	}
	_, err = a.db.ExecContext(ctx, bindPlaceholders(a.driver, `
		INSERT INTO audit_logs
			(eval_id, session_id, user_id, decision, risk, trust_score, mode, phase, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (eval_id) DO NOTHING`),
		rec.EvalID, rec.SessionID, rec.UserID, string(rec.Decision), rec.Risk,
		rec.TrustScore, string(rec.Mode), string(rec.Phase), string(payload), rec.At.UTC())
	if err != nil {
		return fmt.Errorf("audit insert %s: %w", rec.EvalID, err)
	}
	return nil
}

// AuditFileSink is a buffered JSONL sink for evaluation records, safe for
// concurrent use and optimized for append-only workloads. It backs the
// offline analysis pipeline without touching the SQL store.
type AuditFileSink struct {
	mu        sync.Mutex
	f         *os.File
	w         *bufio.Writer
	lastFlush time.Time
}

// NewAuditFileSink opens (or creates) the file at path in append mode
// with a buffered writer. Call Close when done.
func NewAuditFileSink(path string) (*AuditFileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditFileSink{f: f, w: bufio.NewWriterSize(f, 1<<20), lastFlush: time.Now()}, nil
}

// Record writes the record as one JSON line. Flushes are periodic to
// bound data loss on crash.
func (s *AuditFileSink) Record(_ context.Context, rec core.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.NewEncoder(s.w).Encode(&rec); err != nil {
		return err
	}
	if time.Since(s.lastFlush) > 100*time.Millisecond {
		if err := s.w.Flush(); err != nil {
			return err
		}
		s.lastFlush = time.Now()
	}
	return nil
}

// Flush forces buffered records to disk.
func (s *AuditFileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = time.Now()
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *AuditFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

// MultiAuditSink fans a record out to every sink; the first error wins
// but all sinks are attempted.
type MultiAuditSink []core.AuditSink

// Record implements core.AuditSink.
func (m MultiAuditSink) Record(ctx context.Context, rec core.AuditRecord) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReadAuditLog reads an entire JSONL audit file. Intended for tooling
// and replay, not the serving path.
func ReadAuditLog(path string) ([]core.AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []core.AuditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<26)
	for sc.Scan() {
		var rec core.AuditRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out, sc.Err()
}
