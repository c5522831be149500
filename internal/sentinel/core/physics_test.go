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
	"testing"
)

// plausible returns stroke features of unremarkable human motion; tests
// override single fields to trip specific tiers.
func plausible() StrokeFeatures {
	return StrokeFeatures{
		Segments:       30,
		PathDistance:   400,
		Efficiency:     0.80,
		VelocityMean:   0.9,
		VelocityStd:    0.4,
		VelocityMax:    2.5,
		RawVelocityMax: 2.5,
		CurvatureMean:  0.2,
		LinearityError: 12,
		TimeDiffMean:   16,
		TimeDiffStd:    5,
		DistMean:       12,
		DistStd:        4,
	}
}

func TestPhysicsTiers(t *testing.T) {
	d := NewPhysicsDetector(PhysicsConfig{})
	cases := []struct {
		name   string
		mutate func(*StrokeFeatures)
		want   float64
		reason string
	}{
		{"clean human motion", func(f *StrokeFeatures) {}, 0, ""},
		{"impossible velocity", func(f *StrokeFeatures) { f.RawVelocityMax = 15 }, 1.0, "velocity_impossible"},
		{"zero time", func(f *StrokeFeatures) { f.ZeroTimeDistinct = true }, 1.0, "zero_time_movement"},
		{"perfect linearity", func(f *StrokeFeatures) { f.LinearityError = 0.1 }, 1.0, "perfect_linearity"},
		{
			"single soft signature stays silent",
			func(f *StrokeFeatures) { f.Efficiency = 0.99; f.LinearityError = 1.5 },
			0, "",
		},
		{
			"stacked soft signatures report",
			func(f *StrokeFeatures) {
				f.TimeDiffStd = 0.1 // metronomic
				f.Efficiency = 0.99
				f.LinearityError = 1.5 // near straight but not perfect
				f.DistStd = 0.1        // repeating offsets
			},
			0.90, "regular_timing",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := plausible()
			tc.mutate(&f)
			score, reasons := d.ScoreStroke(f)
			if score != tc.want {
				t.Fatalf("score = %v, want %v (reasons %v)", score, tc.want, reasons)
			}
			if tc.reason != "" {
				if len(reasons) == 0 || reasons[0] != tc.reason {
					t.Fatalf("reasons = %v, want leading %q", reasons, tc.reason)
				}
			}
		})
	}
}

func TestPhysicsVelocityFilteredSegmentStillCounts(t *testing.T) {
	// A raw velocity above the ceiling must hard-fail even when the
	// feature-stats velocity looks tame (the noise filter dropped it).
	d := NewPhysicsDetector(PhysicsConfig{})
	f := plausible()
	f.VelocityMax = 2.0
	f.RawVelocityMax = 11.0
	score, _ := d.ScoreStroke(f)
	if score != 1.0 {
		t.Fatalf("score = %v, want 1.0", score)
	}
}
