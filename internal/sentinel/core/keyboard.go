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
	"math"
	"sort"
	"time"
)

// Keyboard extraction parameters. A feature window covers the last
// KBWindowSize completed keystrokes and a new window is emitted every
// KBWindowStep keystrokes once the first window is full.
const (
	KBWindowSize = 50
	KBWindowStep = 5

	// CoffeeBreakMS excludes flight times above this bound from window
	// statistics. A user walking away from the keyboard is a pause, not
	// a typing rhythm signal.
	CoffeeBreakMS = 2000

	// maxPendingDowns caps unmatched key-down events retained per
	// session. Beyond this the oldest pending press is dropped.
	maxPendingDowns = 50
)

// KeyPress is one completed keystroke: a DOWN event paired with its UP.
// Timestamps are client milliseconds.
type KeyPress struct {
	Key  string  `json:"k"`
	Down float64 `json:"d"`
	Up   float64 `json:"u"`
}

// KeyboardBuffer is the per-session keyboard extraction state. It lives
// inside the hot session state and round-trips through JSON.
type KeyboardBuffer struct {
	// Pending maps key identifiers to the timestamp of a DOWN event
	// still awaiting its UP.
	Pending map[string]float64 `json:"pending,omitempty"`
	// Presses holds the most recent completed keystrokes, at most
	// KBWindowSize of them, ordered by DOWN timestamp.
	Presses []KeyPress `json:"presses,omitempty"`
	// Total counts completed keystrokes over the session lifetime; it
	// drives window emission cadence.
	Total int `json:"total"`
	// FirstSeenAt is the server time of the first ingested keystroke,
	// used for the time component of keyboard confidence.
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// Reset discards all extraction state. Used when a batch gap forces the
// session to start accumulating evidence again.
func (b *KeyboardBuffer) Reset() {
	b.Pending = nil
	b.Presses = nil
	b.Total = 0
}

// KeyboardExtractor turns raw keystroke events into fixed-size feature
// windows. The zero value is not usable; construct with
// NewKeyboardExtractor.
type KeyboardExtractor struct {
	windowSize int
	windowStep int
	coffeeMS   float64
}

// NewKeyboardExtractor returns an extractor with the standard window
// geometry. Non-positive arguments select the package defaults.
func NewKeyboardExtractor(windowSize, windowStep int) *KeyboardExtractor {
	if windowSize <= 0 {
		windowSize = KBWindowSize
	}
	if windowStep <= 0 {
		windowStep = KBWindowStep
	}
	return &KeyboardExtractor{windowSize: windowSize, windowStep: windowStep, coffeeMS: CoffeeBreakMS}
}

// Process folds a batch of keystroke events into the buffer and returns
// any feature windows completed by the batch, oldest first. Events are
// sorted by timestamp before pairing so minor client reordering does not
// corrupt dwell times.
func (e *KeyboardExtractor) Process(buf *KeyboardBuffer, events []KeyEvent, now time.Time) []FeatureWindow {
	if len(events) == 0 {
		return nil
	}
	if buf.FirstSeenAt.IsZero() {
		buf.FirstSeenAt = now
	}
	if buf.Pending == nil {
		buf.Pending = make(map[string]float64)
	}

	evs := append([]KeyEvent(nil), events...)
	sort.SliceStable(evs, func(i, j int) bool { return evs[i].TS < evs[j].TS })

	var out []FeatureWindow
	for _, ev := range evs {
		switch ev.Action {
		case KeyDown:
			if len(buf.Pending) >= maxPendingDowns {
				dropOldestPending(buf.Pending)
			}
			buf.Pending[ev.Key] = ev.TS
		case KeyUp:
			down, ok := buf.Pending[ev.Key]
			if !ok || ev.TS < down {
				continue
			}
			delete(buf.Pending, ev.Key)
			buf.Presses = append(buf.Presses, KeyPress{Key: ev.Key, Down: down, Up: ev.TS})
			if len(buf.Presses) > e.windowSize {
				buf.Presses = buf.Presses[len(buf.Presses)-e.windowSize:]
			}
			buf.Total++
			if buf.Total >= e.windowSize && (buf.Total-e.windowSize)%e.windowStep == 0 {
				if w, ok := e.window(buf.Presses); ok {
					out = append(out, w)
				}
			}
		}
	}
	return out
}

func dropOldestPending(pending map[string]float64) {
	oldestKey := ""
	oldestTS := math.Inf(1)
	for k, ts := range pending {
		if ts < oldestTS {
			oldestKey, oldestTS = k, ts
		}
	}
	delete(pending, oldestKey)
}

// window computes the 12-dimension statistics vector over a full window
// of presses. It reports ok=false when the window has to be discarded:
// too few usable intervals or a non-finite statistic.
func (e *KeyboardExtractor) window(presses []KeyPress) (FeatureWindow, bool) {
	var w FeatureWindow
	if len(presses) < e.windowSize {
		return w, false
	}

	dwell := make([]float64, 0, len(presses))
	flight := make([]float64, 0, len(presses)-1)
	interkey := make([]float64, 0, len(presses)-1)
	for i, p := range presses {
		dwell = append(dwell, p.Up-p.Down)
		if i == 0 {
			continue
		}
		f := p.Down - presses[i-1].Up
		if f <= e.coffeeMS {
			flight = append(flight, f)
		}
		interkey = append(interkey, p.Down-presses[i-1].Down)
	}
	if len(flight) < 2 || len(interkey) < 2 {
		return w, false
	}

	fill := func(offset int, xs []float64) {
		mean, std, lo, hi := stats(xs)
		w[offset], w[offset+1], w[offset+2], w[offset+3] = mean, std, lo, hi
	}
	fill(0, dwell)
	fill(4, flight)
	fill(8, interkey)

	for _, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return FeatureWindow{}, false
		}
	}
	return w, true
}

// stats returns population mean, standard deviation, min and max.
func stats(xs []float64) (mean, std, lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range xs {
		mean += x
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(len(xs)))
	return mean, std, lo, hi
}

// KeyboardConfidence reports how much weight keyboard evidence deserves:
// the geometric mean of window maturity (windows seen vs. required) and
// time maturity (seconds of typing vs. required).
func KeyboardConfidence(windowCount int, elapsed time.Duration, countMaturity int, timeMaturity time.Duration) float64 {
	if countMaturity <= 0 || timeMaturity <= 0 {
		return 0
	}
	wc := math.Min(1, float64(windowCount)/float64(countMaturity))
	tc := math.Min(1, elapsed.Seconds()/timeMaturity.Seconds())
	return math.Sqrt(wc * tc)
}
