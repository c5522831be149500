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

// Package hst implements online Half-Space Trees, a streaming anomaly
// detector over fixed-dimension feature vectors in [0,1]^d. The forest is
// built once from a seed, so two models constructed with the same options
// observe identical tree geometry; all mutable state is node mass, which
// makes the model cheap to serialize and deterministic to replay.
//
// The reference/latest window mass-profile scheme follows Tan, Ting & Liu
// (2011): each tree keeps two mass counters per node. Learning increments
// the latest-window counters along the traversal path; every WindowSize
// learned samples the latest profile is promoted to the reference profile.
// Scoring walks the reference profile and accumulates mass weighted by
// 2^depth, so sparse regions (low mass, shallow stop) score anomalous.
package hst

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
)

// Default forest geometry. The window size matches the feature-window
// cadence of the callers: one promoted profile per 50 learned windows.
const (
	DefaultTrees      = 25
	DefaultHeight     = 6
	DefaultWindowSize = 50
	DefaultSeed       = 42
)

// sizeLimit is the minimum reference mass at which scoring keeps
// descending. Below it the node's region is too sparse to subdivide.
const sizeLimit = 0.1

// Options configures forest construction.
type Options struct {
	// Trees is the number of half-space trees in the forest.
	Trees int
	// Height is the depth of every (perfect) tree.
	Height int
	// WindowSize is the number of learned samples per mass window.
	WindowSize int
	// Dims is the feature-vector dimensionality. Required.
	Dims int
	// Seed makes tree geometry reproducible.
	Seed int64
}

func (o *Options) applyDefaults() {
	if o.Trees <= 0 {
		o.Trees = DefaultTrees
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
}

// tree is one half-space tree stored as flat arrays over a perfect binary
// tree: node i has children 2i+1 and 2i+2. Split geometry is derived from
// the seed at construction and never changes; only the mass arrays mutate.
type tree struct {
	// SplitDim and SplitVal describe internal nodes (first 2^Height - 1
	// slots). Leaf slots are present but unused for splits.
	SplitDim []int     `json:"split_dim"`
	SplitVal []float64 `json:"split_val"`
	// Ref is the reference mass profile used for scoring; Latest
	// accumulates the in-progress window.
	Ref    []float64 `json:"ref"`
	Latest []float64 `json:"latest"`
}

// Forest is a serializable Half-Space Trees model.
//
// Forest is not safe for concurrent use; callers serialize access (the
// model store holds a per-user lock around load-learn-save cycles).
type Forest struct {
	Opts    Options `json:"opts"`
	Trees   []tree  `json:"trees"`
	Learned int     `json:"learned"`
	// WindowFill counts samples learned since the last profile promotion.
	WindowFill int `json:"window_fill"`
}

// ErrDims is returned when a vector's dimensionality does not match the
// forest's.
var ErrDims = errors.New("hst: feature vector dimensionality mismatch")

// New constructs a forest with deterministic geometry derived from
// opts.Seed. Opts.Dims must be positive.
func New(opts Options) (*Forest, error) {
	opts.applyDefaults()
	if opts.Dims <= 0 {
		return nil, errors.New("hst: Options.Dims must be positive")
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	nodes := (1 << (opts.Height + 1)) - 1
	f := &Forest{Opts: opts, Trees: make([]tree, opts.Trees)}
	for t := range f.Trees {
		tr := &f.Trees[t]
		tr.SplitDim = make([]int, nodes)
		tr.SplitVal = make([]float64, nodes)
		tr.Ref = make([]float64, nodes)
		tr.Latest = make([]float64, nodes)

		// Per-dimension work ranges. Drawing the split reference in
		// (0,1) and widening by 2*max(s, 1-s) guarantees the whole
		// unit interval is covered at every depth.
		lo := make([]float64, opts.Dims)
		hi := make([]float64, opts.Dims)
		for d := 0; d < opts.Dims; d++ {
			s := rng.Float64()
			w := 2 * math.Max(s, 1-s)
			lo[d] = s - w
			hi[d] = s + w
		}
		buildNode(tr, rng, 0, opts.Height, lo, hi)
	}
	return f, nil
}

// buildNode recursively assigns split dimensions and midpoints. lo/hi are
// copied per branch so sibling subtrees see independent ranges.
func buildNode(tr *tree, rng *rand.Rand, node, depth int, lo, hi []float64) {
	if depth == 0 {
		return
	}
	d := rng.Intn(len(lo))
	mid := (lo[d] + hi[d]) / 2
	tr.SplitDim[node] = d
	tr.SplitVal[node] = mid

	leftHi := append([]float64(nil), hi...)
	leftHi[d] = mid
	buildNode(tr, rng, 2*node+1, depth-1, lo, leftHi)

	rightLo := append([]float64(nil), lo...)
	rightLo[d] = mid
	buildNode(tr, rng, 2*node+2, depth-1, rightLo, hi)
}

// LearnOne folds one sample into the latest-window mass profile. Replaying
// the same sample is non-destructive: mass only accumulates, and profile
// promotion is driven purely by sample count.
func (f *Forest) LearnOne(x []float64) error {
	if len(x) != f.Opts.Dims {
		return ErrDims
	}
	for t := range f.Trees {
		tr := &f.Trees[t]
		node := 0
		for depth := 0; ; depth++ {
			tr.Latest[node]++
			if depth == f.Opts.Height {
				break
			}
			if x[tr.SplitDim[node]] < tr.SplitVal[node] {
				node = 2*node + 1
			} else {
				node = 2*node + 2
			}
		}
	}
	f.Learned++
	f.WindowFill++
	if f.WindowFill >= f.Opts.WindowSize {
		f.promote()
	}
	return nil
}

// promote replaces the reference profile with the latest window and clears
// the accumulator.
func (f *Forest) promote() {
	for t := range f.Trees {
		tr := &f.Trees[t]
		copy(tr.Ref, tr.Latest)
		for i := range tr.Latest {
			tr.Latest[i] = 0
		}
	}
	f.WindowFill = 0
}

// ScoreOne returns an anomaly score in [0,1]; higher means more anomalous.
// During warm-up (fewer than WindowSize learned samples, i.e. before the
// first profile promotion) the score is 0 so an empty model never flags.
func (f *Forest) ScoreOne(x []float64) (float64, error) {
	if len(x) != f.Opts.Dims {
		return 0, ErrDims
	}
	if f.Learned < f.Opts.WindowSize {
		return 0, nil
	}
	var mass float64
	for t := range f.Trees {
		tr := &f.Trees[t]
		node := 0
		for depth := 0; ; depth++ {
			m := tr.Ref[node]
			if depth == f.Opts.Height || m <= sizeLimit {
				mass += m * float64(int(1)<<uint(depth))
				break
			}
			if x[tr.SplitDim[node]] < tr.SplitVal[node] {
				node = 2*node + 1
			} else {
				node = 2*node + 2
			}
		}
	}
	// Normalize by the maximum attainable mass: every sample of a full
	// window landing in the scored leaf at full depth, across all trees.
	maxMass := float64(f.Opts.Trees) * float64(f.Opts.WindowSize) * float64(int(1)<<uint(f.Opts.Height))
	norm := mass / maxMass
	if norm > 1 {
		norm = 1
	}
	return 1 - norm, nil
}

// SampleCount reports how many samples the forest has learned.
func (f *Forest) SampleCount() int { return f.Learned }

// Marshal serializes the full model state (geometry and masses) to JSON.
// The encoding is the canonical on-disk blob format used by the model
// store; it round-trips through Unmarshal without loss.
func (f *Forest) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal reconstructs a forest from a blob produced by Marshal.
func Unmarshal(blob []byte) (*Forest, error) {
	var f Forest
	if err := json.Unmarshal(blob, &f); err != nil {
		return nil, err
	}
	if f.Opts.Dims <= 0 || len(f.Trees) == 0 {
		return nil, errors.New("hst: blob does not contain a valid forest")
	}
	return &f, nil
}
