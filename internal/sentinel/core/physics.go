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

// Physics detector defaults. Tier 1 catches motion no human hand
// produces; tier 2 accumulates softer automation signatures; tier 3 only
// reports when the accumulated suspicion clears the threshold, so normal
// imprecision scores exactly zero.
const (
	// DefaultMaxVelocity is the biomechanical ceiling in px/ms.
	DefaultMaxVelocity = 9.0
	// DefaultSuspicionThreshold gates tier-3 reporting.
	DefaultSuspicionThreshold = 0.7

	// Perfect-linearity hard fail: long strokes whose points never leave
	// the start-end chord.
	linearityMinSegments = 20
	linearityMinPathPX   = 300
	perfectLinearityPX   = 0.5

	// Tier-2 signature bounds and weights.
	regularTimingCV   = 0.05
	regularTimingAdd  = 0.40
	nearStraightEff   = 0.98
	nearStraightPX    = 2.0
	nearStraightAdd   = 0.25
	repeatOffsetCV    = 0.05
	repeatOffsetAdd   = 0.30
	tier2Ceiling      = 0.90
)

// PhysicsConfig tunes the detector; zero values select defaults.
type PhysicsConfig struct {
	MaxVelocity        float64
	SuspicionThreshold float64
}

// PhysicsDetector scores completed mouse strokes for kinematic
// impossibility and automation signatures.
type PhysicsDetector struct {
	maxV      float64
	suspicion float64
}

// NewPhysicsDetector constructs a detector from cfg.
func NewPhysicsDetector(cfg PhysicsConfig) *PhysicsDetector {
	if cfg.MaxVelocity <= 0 {
		cfg.MaxVelocity = DefaultMaxVelocity
	}
	if cfg.SuspicionThreshold <= 0 {
		cfg.SuspicionThreshold = DefaultSuspicionThreshold
	}
	return &PhysicsDetector{maxV: cfg.MaxVelocity, suspicion: cfg.SuspicionThreshold}
}

// ScoreStroke returns a risk in [0,1] with the triggered signature names.
// Tier-1 violations return 1.0 immediately; tier-2 signatures sum and
// clamp below 1; sums under the suspicion threshold report 0.
func (d *PhysicsDetector) ScoreStroke(f StrokeFeatures) (float64, []string) {
	// Tier 1: hard physical impossibilities.
	if f.RawVelocityMax > d.maxV {
		return 1.0, []string{"velocity_impossible"}
	}
	if f.ZeroTimeDistinct {
		return 1.0, []string{"zero_time_movement"}
	}
	if f.Segments >= linearityMinSegments && f.PathDistance >= linearityMinPathPX && f.LinearityError < perfectLinearityPX {
		return 1.0, []string{"perfect_linearity"}
	}

	// Tier 2: additive automation signatures.
	var score float64
	var reasons []string
	if f.TimeDiffMean > 0 && f.TimeDiffStd/f.TimeDiffMean < regularTimingCV {
		score += regularTimingAdd
		reasons = append(reasons, "regular_timing")
	}
	if f.Efficiency > nearStraightEff && f.LinearityError < nearStraightPX {
		score += nearStraightAdd
		reasons = append(reasons, "near_straight")
	}
	if f.DistMean > 0 && f.DistStd/f.DistMean < repeatOffsetCV {
		score += repeatOffsetAdd
		reasons = append(reasons, "repeating_offsets")
	}
	if score > tier2Ceiling {
		score = tier2Ceiling
	}

	// Tier 3: sub-threshold suspicion is noise, not signal.
	if score < d.suspicion {
		return 0, nil
	}
	return score, reasons
}

// TeleportRatio is the fraction of clicks that arrived without plausible
// pointer travel.
func TeleportRatio(teleportClicks, totalClicks int) float64 {
	denom := totalClicks
	if denom < 1 {
		denom = 1
	}
	return float64(teleportClicks) / float64(denom)
}
