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

import "sync/atomic"

// Process-lifetime counters. These are plain atomics rather than
// registered metrics so the hot path never touches a metrics registry;
// the telemetry package samples them for export.
var (
	evalsTotal      atomic.Int64
	allowsTotal     atomic.Int64
	challengesTotal atomic.Int64
	blocksTotal     atomic.Int64

	keyboardBatches atomic.Int64
	mouseBatches    atomic.Int64
	windowsEmitted  atomic.Int64

	learnConflicts atomic.Int64
	blobHeals      atomic.Int64
	failSafes      atomic.Int64
)

// CounterSnapshot is a point-in-time copy of the process counters.
type CounterSnapshot struct {
	Evaluations     int64
	Allows          int64
	Challenges      int64
	Blocks          int64
	KeyboardBatches int64
	MouseBatches    int64
	WindowsEmitted  int64
	LearnConflicts  int64
	BlobHeals       int64
	FailSafes       int64
}

// SnapshotCounters returns the current counter values.
func SnapshotCounters() CounterSnapshot {
	return CounterSnapshot{
		Evaluations:     evalsTotal.Load(),
		Allows:          allowsTotal.Load(),
		Challenges:      challengesTotal.Load(),
		Blocks:          blocksTotal.Load(),
		KeyboardBatches: keyboardBatches.Load(),
		MouseBatches:    mouseBatches.Load(),
		WindowsEmitted:  windowsEmitted.Load(),
		LearnConflicts:  learnConflicts.Load(),
		BlobHeals:       blobHeals.Load(),
		FailSafes:       failSafes.Load(),
	}
}

// RecordDecision counts one evaluation by outcome.
func RecordDecision(d Decision) {
	evalsTotal.Add(1)
	switch d {
	case DecisionAllow:
		allowsTotal.Add(1)
	case DecisionChallenge:
		challengesTotal.Add(1)
	case DecisionBlock:
		blocksTotal.Add(1)
	}
}

// RecordKeyboardBatch counts one accepted keyboard ingest with the
// windows it completed.
func RecordKeyboardBatch(windows int) {
	keyboardBatches.Add(1)
	windowsEmitted.Add(int64(windows))
}

// RecordMouseBatch counts one accepted mouse ingest.
func RecordMouseBatch() { mouseBatches.Add(1) }

// RecordLearnConflict counts one optimistic-version conflict during
// model learning.
func RecordLearnConflict() { learnConflicts.Add(1) }

// RecordBlobHeal counts one corrupted model blob deleted on read.
func RecordBlobHeal() { blobHeals.Add(1) }

// RecordFailSafe counts one hot-store failure answered with a
// fail-safe CHALLENGE.
func RecordFailSafe() { failSafes.Add(1) }
