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
)

// Mouse extraction parameters. A stroke is a run of movement samples
// terminated by a click or a pause; segment filters discard sensor noise
// before any physics scoring.
const (
	// Segment acceptance bounds.
	minSegmentPX = 3
	minSegmentMS = 4
	maxSegmentMS = 2000
	maxSegmentV  = 8 // px/ms

	// Stroke validity: too few segments or too little travel carries no
	// kinematic signal.
	minStrokeSegments = 10
	minStrokePathPX   = 50

	// strokePauseMS flushes the current stroke when the pointer rests.
	strokePauseMS = 500

	// maxStrokePoints bounds per-session movement state.
	maxStrokePoints = 400

	// teleportMinMoves classifies a click as a teleport when fewer than
	// this many movement samples arrived since the previous click: the
	// cursor landed there without observable travel.
	teleportMinMoves = 3
)

// MousePoint is one accepted movement sample inside the current stroke.
type MousePoint struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	TS float64 `json:"t"`
}

// MouseBuffer is the per-session mouse extraction state, persisted in the
// hot session state.
type MouseBuffer struct {
	// Points is the in-progress stroke.
	Points []MousePoint `json:"points,omitempty"`
	// LastX/LastY/LastTS track the last pointer position seen, including
	// across stroke boundaries, for pause and zero-time detection.
	LastX   float64 `json:"lx"`
	LastY   float64 `json:"ly"`
	LastTS  float64 `json:"lt"`
	HasLast bool    `json:"has_last"`
	// MoveCount counts movement samples since the last click.
	MoveCount int `json:"move_count,omitempty"`
	// ZeroTime latches when two distinct positions arrive with no time
	// between them anywhere in the current stroke.
	ZeroTime bool `json:"zero_time,omitempty"`
	// RawVMax is the maximum pre-filter segment velocity in the current
	// stroke, in px/ms. Filtered segments still count here: a physically
	// impossible jump must not be laundered by the noise filter.
	RawVMax float64 `json:"raw_vmax,omitempty"`
}

// Reset discards the in-progress stroke and position memory.
func (b *MouseBuffer) Reset() {
	*b = MouseBuffer{}
}

// StrokeFeatures summarizes the kinematics of one completed stroke.
type StrokeFeatures struct {
	Segments     int
	PathDistance float64
	// Efficiency is chord length over path length; 1.0 is a perfectly
	// straight stroke.
	Efficiency float64

	VelocityMean float64
	VelocityStd  float64
	VelocityMax  float64
	// RawVelocityMax includes segments the noise filter discarded.
	RawVelocityMax float64

	// AngleConcentration is the circular mean resultant length of
	// segment headings in [0,1]; high values mean the stroke barely
	// turns.
	AngleConcentration float64
	// CurvatureMean is the mean absolute heading change between
	// consecutive segments, radians.
	CurvatureMean float64
	// LinearityError is the mean perpendicular distance of stroke points
	// from the start-end chord, in pixels.
	LinearityError float64

	TimeDiffMean float64
	TimeDiffStd  float64
	// DistStd is the standard deviation of segment lengths; a scripted
	// cursor stepping a fixed offset drives this toward zero.
	DistMean float64
	DistStd  float64

	// ZeroTimeDistinct reports distinct positions with zero inter-event
	// time anywhere in the stroke.
	ZeroTimeDistinct bool
}

// MouseExtraction is the result of folding one mouse batch.
type MouseExtraction struct {
	Strokes        []StrokeFeatures
	Clicks         int
	TeleportClicks int
}

// MouseExtractor segments raw pointer events into validated strokes and
// detects teleport clicks.
type MouseExtractor struct{}

// NewMouseExtractor returns a stateless mouse extractor; all mutable
// state lives in the MouseBuffer.
func NewMouseExtractor() *MouseExtractor { return &MouseExtractor{} }

// Process folds a batch of pointer events into the buffer and returns the
// strokes completed by the batch plus click accounting. Events are
// assumed batch-ordered; the segment filters tolerate minor jitter.
func (e *MouseExtractor) Process(buf *MouseBuffer, events []MouseEvent) MouseExtraction {
	var res MouseExtraction
	for _, ev := range events {
		switch ev.Action {
		case MouseMove:
			e.move(buf, ev, &res)
		case MouseClick:
			res.Clicks++
			if buf.MoveCount < teleportMinMoves {
				res.TeleportClicks++
			}
			buf.MoveCount = 0
			// A click terminates the stroke in progress.
			e.flush(buf, &res)
			buf.LastX, buf.LastY, buf.LastTS, buf.HasLast = ev.X, ev.Y, ev.TS, true
		}
	}
	return res
}

func (e *MouseExtractor) move(buf *MouseBuffer, ev MouseEvent, res *MouseExtraction) {
	buf.MoveCount++
	if buf.HasLast {
		dt := ev.TS - buf.LastTS
		d := dist(buf.LastX, buf.LastY, ev.X, ev.Y)
		if dt > strokePauseMS {
			e.flush(buf, res)
		} else if d > 0 {
			if dt <= 0 {
				buf.ZeroTime = true
			} else if v := d / dt; v > buf.RawVMax {
				buf.RawVMax = v
			}
		}
	}
	if accepted(buf, ev) {
		buf.Points = append(buf.Points, MousePoint{X: ev.X, Y: ev.Y, TS: ev.TS})
		if len(buf.Points) >= maxStrokePoints {
			e.flush(buf, res)
		}
	}
	buf.LastX, buf.LastY, buf.LastTS, buf.HasLast = ev.X, ev.Y, ev.TS, true
}

// accepted applies the segment noise filters against the previous stroke
// point. The first point of a stroke is always accepted.
func accepted(buf *MouseBuffer, ev MouseEvent) bool {
	if len(buf.Points) == 0 {
		return true
	}
	p := buf.Points[len(buf.Points)-1]
	d := dist(p.X, p.Y, ev.X, ev.Y)
	dt := ev.TS - p.TS
	if d < minSegmentPX || dt < minSegmentMS || dt > maxSegmentMS {
		return false
	}
	return d/dt <= maxSegmentV
}

// flush finalizes the in-progress stroke. Invalid strokes (too short, too
// few segments) are dropped silently; their points still counted toward
// the click's movement tally.
func (e *MouseExtractor) flush(buf *MouseBuffer, res *MouseExtraction) {
	pts := buf.Points
	zero, rawVMax := buf.ZeroTime, buf.RawVMax
	buf.Points = nil
	buf.ZeroTime = false
	buf.RawVMax = 0
	if len(pts) < minStrokeSegments+1 {
		return
	}
	f := strokeFeatures(pts)
	if f.PathDistance < minStrokePathPX {
		return
	}
	f.ZeroTimeDistinct = zero
	if rawVMax > f.RawVelocityMax {
		f.RawVelocityMax = rawVMax
	}
	res.Strokes = append(res.Strokes, f)
}

func strokeFeatures(pts []MousePoint) StrokeFeatures {
	n := len(pts) - 1
	vels := make([]float64, 0, n)
	angles := make([]float64, 0, n)
	dts := make([]float64, 0, n)
	dists := make([]float64, 0, n)
	var path float64
	for i := 1; i < len(pts); i++ {
		dx := pts[i].X - pts[i-1].X
		dy := pts[i].Y - pts[i-1].Y
		d := math.Hypot(dx, dy)
		dt := pts[i].TS - pts[i-1].TS
		path += d
		dists = append(dists, d)
		dts = append(dts, dt)
		if dt > 0 {
			vels = append(vels, d/dt)
		}
		angles = append(angles, math.Atan2(dy, dx))
	}

	f := StrokeFeatures{Segments: n, PathDistance: path}

	vMean, vStd, _, vMax := stats(vels)
	f.VelocityMean, f.VelocityStd, f.VelocityMax = vMean, vStd, vMax
	f.RawVelocityMax = vMax

	tMean, tStd, _, _ := stats(dts)
	f.TimeDiffMean, f.TimeDiffStd = tMean, tStd

	dMean, dStd, _, _ := stats(dists)
	f.DistMean, f.DistStd = dMean, dStd

	// Circular statistics over segment headings.
	var sx, sy float64
	for _, a := range angles {
		sx += math.Cos(a)
		sy += math.Sin(a)
	}
	f.AngleConcentration = math.Hypot(sx, sy) / float64(len(angles))

	var curv float64
	for i := 1; i < len(angles); i++ {
		da := math.Abs(angleDiff(angles[i], angles[i-1]))
		curv += da
	}
	if len(angles) > 1 {
		f.CurvatureMean = curv / float64(len(angles)-1)
	}

	chord := dist(pts[0].X, pts[0].Y, pts[len(pts)-1].X, pts[len(pts)-1].Y)
	if path > 0 {
		f.Efficiency = math.Min(1, chord/path)
	}
	f.LinearityError = meanPerpendicularDeviation(pts)
	return f
}

// meanPerpendicularDeviation measures how far the interior points stray
// from the start-end chord. A degenerate chord (loop back to start) maps
// to the mean distance from the start point instead.
func meanPerpendicularDeviation(pts []MousePoint) float64 {
	x0, y0 := pts[0].X, pts[0].Y
	x1, y1 := pts[len(pts)-1].X, pts[len(pts)-1].Y
	dx, dy := x1-x0, y1-y0
	chord := math.Hypot(dx, dy)
	var sum float64
	for _, p := range pts[1 : len(pts)-1] {
		if chord == 0 {
			sum += dist(x0, y0, p.X, p.Y)
			continue
		}
		sum += math.Abs(dy*(p.X-x0)-dx*(p.Y-y0)) / chord
	}
	if len(pts) <= 2 {
		return 0
	}
	return sum / float64(len(pts)-2)
}

func angleDiff(a, b float64) float64 {
	d := a - b
	for d > math.Pi {
		d -= 2 * math.Pi
	}
	for d < -math.Pi {
		d += 2 * math.Pi
	}
	return d
}

func dist(x0, y0, x1, y1 float64) float64 {
	return math.Hypot(x1-x0, y1-y0)
}
