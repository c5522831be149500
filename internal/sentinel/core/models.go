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
	"fmt"
	"math"

	"sentinel/pkg/hst"
)

// ModelType identifies a persisted per-user behavior model.
type ModelType string

const (
	// ModelKeyboardHST is the short-horizon typing anomaly model.
	ModelKeyboardHST ModelType = "keyboard_hst"
	// ModelKeyboardIdentity is the long-horizon typing identity model,
	// trained only under strict hygiene gates.
	ModelKeyboardIdentity ModelType = "keyboard_identity"
)

// Distinct seeds per model type so the two forests partition feature
// space independently.
var modelSeeds = map[ModelType]int64{
	ModelKeyboardHST:      42,
	ModelKeyboardIdentity: 1337,
}

// scaleBounds maps each raw feature (milliseconds) onto [0,1] with fixed
// bounds, so model geometry is stable across users and sessions. Flight
// means can dip below zero on overlapped typing.
var scaleBounds = [FeatureDims][2]float64{
	{0, 500}, {0, 250}, {0, 500}, {0, 500}, // dwell mean/std/min/max
	{-100, 2000}, {0, 1000}, {-200, 2000}, {-100, 2000}, // flight
	{0, 2000}, {0, 1000}, {0, 2000}, {0, 4000}, // inter-key
}

// ScaleWindow maps a raw feature window into the unit hypercube the
// forests operate in.
func ScaleWindow(w FeatureWindow) []float64 {
	out := make([]float64, FeatureDims)
	for i, v := range w {
		lo, hi := scaleBounds[i][0], scaleBounds[i][1]
		out[i] = clamp01((v - lo) / (hi - lo))
	}
	return out
}

// featureStat is a running mean/variance accumulator (Welford) over the
// raw, unscaled feature values, kept for anomaly attribution.
type featureStat struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

func (s *featureStat) add(x float64) {
	s.N++
	d := x - s.Mean
	s.Mean += d / float64(s.N)
	s.M2 += d * (x - s.Mean)
}

func (s *featureStat) std() float64 {
	if s.N < 2 {
		return 0
	}
	return math.Sqrt(s.M2 / float64(s.N))
}

// attributionScoreFloor: attribution is only computed for windows the
// model already considers anomalous.
const attributionScoreFloor = 0.6

// BehaviorModel is a persisted per-user typing model: an HST forest over
// scaled feature windows plus per-feature distribution stats used to name
// which features drove an anomalous score.
type BehaviorModel struct {
	Type   ModelType                `json:"type"`
	Forest *hst.Forest              `json:"forest"`
	Stats  [FeatureDims]featureStat `json:"stats"`
}

// NewBehaviorModel constructs an empty model of the given type.
func NewBehaviorModel(t ModelType) (*BehaviorModel, error) {
	seed, ok := modelSeeds[t]
	if !ok {
		return nil, fmt.Errorf("core: unknown model type %q", t)
	}
	f, err := hst.New(hst.Options{Dims: FeatureDims, Seed: seed})
	if err != nil {
		return nil, err
	}
	return &BehaviorModel{Type: t, Forest: f}, nil
}

// Learn folds one feature window into the model.
func (m *BehaviorModel) Learn(w FeatureWindow) error {
	if err := m.Forest.LearnOne(ScaleWindow(w)); err != nil {
		return err
	}
	for i, v := range w {
		m.Stats[i].add(v)
	}
	return nil
}

// Score returns the anomaly score for a window plus attribution labels
// naming the features that sit far outside the learned distribution.
// Scores below the attribution floor return no labels.
func (m *BehaviorModel) Score(w FeatureWindow) (float64, []string, error) {
	score, err := m.Forest.ScoreOne(ScaleWindow(w))
	if err != nil {
		return 0, nil, err
	}
	if score < attributionScoreFloor {
		return score, nil, nil
	}
	var labels []string
	for i, v := range w {
		st := &m.Stats[i]
		sd := st.std()
		if st.N < 10 || sd == 0 {
			continue
		}
		z := (v - st.Mean) / sd
		switch {
		case z > 2:
			labels = append(labels, FeatureNames[i]+"_high")
		case z < -2:
			labels = append(labels, FeatureNames[i]+"_low")
		}
	}
	return score, labels, nil
}

// SampleCount reports how many windows the model has learned.
func (m *BehaviorModel) SampleCount() int { return m.Forest.SampleCount() }

// Marshal encodes the model for the cold store blob.
func (m *BehaviorModel) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalBehaviorModel decodes a cold-store blob, validating the
// embedded forest.
func UnmarshalBehaviorModel(blob []byte) (*BehaviorModel, error) {
	var m BehaviorModel
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("core: model blob: %w", err)
	}
	if m.Forest == nil || m.Forest.Opts.Dims != FeatureDims || len(m.Forest.Trees) == 0 {
		return nil, fmt.Errorf("core: model blob has no valid forest")
	}
	return &m, nil
}
