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

	"github.com/stretchr/testify/require"
)

// steadyWindow is a typical human typing window in milliseconds.
func steadyWindow(shift float64) FeatureWindow {
	return FeatureWindow{
		95 + shift, 20, 60 + shift, 140 + shift, // dwell
		120 + shift, 40, 30, 300 + shift, // flight
		215 + shift, 50, 120, 450 + shift, // inter-key
	}
}

// outlierWindow is a rhythm far outside any human range, for tests that
// need an unambiguous anomaly rather than a borderline one.
func outlierWindow() FeatureWindow {
	var w FeatureWindow
	for i := range w {
		w[i] = 10000
	}
	return w
}

func TestScaleWindowBounds(t *testing.T) {
	var w FeatureWindow
	for i := range w {
		w[i] = 1e9
	}
	for i, v := range ScaleWindow(w) {
		require.Equalf(t, 1.0, v, "dim %d should clamp high", i)
	}
	for i := range w {
		w[i] = -1e9
	}
	for i, v := range ScaleWindow(w) {
		require.Equalf(t, 0.0, v, "dim %d should clamp low", i)
	}
}

func TestBehaviorModelLearnsAndScores(t *testing.T) {
	m, err := NewBehaviorModel(ModelKeyboardHST)
	require.NoError(t, err)

	for i := 0; i < 150; i++ {
		require.NoError(t, m.Learn(steadyWindow(float64(i%7))))
	}
	require.Equal(t, 150, m.SampleCount())

	inScore, _, err := m.Score(steadyWindow(2))
	require.NoError(t, err)

	// A machine-fast typist: tiny dwell, tiny variance.
	bot := FeatureWindow{8, 1, 6, 10, 10, 1, 8, 12, 18, 1, 16, 20}
	outScore, _, err := m.Score(bot)
	require.NoError(t, err)
	require.Greater(t, outScore, inScore, "foreign rhythm should score higher")
}

func TestBehaviorModelAttribution(t *testing.T) {
	m, err := NewBehaviorModel(ModelKeyboardHST)
	require.NoError(t, err)
	for i := 0; i < 150; i++ {
		require.NoError(t, m.Learn(steadyWindow(float64(i%7))))
	}
	bot := FeatureWindow{8, 1, 6, 10, 10, 1, 8, 12, 18, 1, 16, 20}
	score, labels, err := m.Score(bot)
	require.NoError(t, err)
	if score >= attributionScoreFloor {
		require.NotEmpty(t, labels, "anomalous scores should carry attribution")
		for _, l := range labels {
			require.Regexp(t, `_(high|low)$`, l)
		}
	}
}

func TestBehaviorModelRoundTrip(t *testing.T) {
	m, err := NewBehaviorModel(ModelKeyboardIdentity)
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		require.NoError(t, m.Learn(steadyWindow(float64(i%5))))
	}
	blob, err := m.Marshal()
	require.NoError(t, err)

	back, err := UnmarshalBehaviorModel(blob)
	require.NoError(t, err)
	require.Equal(t, m.SampleCount(), back.SampleCount())

	a, _, err := m.Score(steadyWindow(1))
	require.NoError(t, err)
	b, _, err := back.Score(steadyWindow(1))
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestUnmarshalBehaviorModelRejectsGarbage(t *testing.T) {
	_, err := UnmarshalBehaviorModel([]byte(`{"type":"keyboard_hst"}`))
	require.Error(t, err)
	_, err = UnmarshalBehaviorModel([]byte(`not json`))
	require.Error(t, err)
}

func TestNewBehaviorModelUnknownType(t *testing.T) {
	_, err := NewBehaviorModel(ModelType("mouse_hst"))
	require.Error(t, err)
}
