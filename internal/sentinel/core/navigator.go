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
	"strings"
	"time"
)

// Navigator scoring weights. The user-agent allowlist is coarse on
// purpose: the goal is rejecting obvious tooling, not fingerprinting
// browsers.
const (
	unknownUAScore   = 0.4
	pinDeviationEach = 0.3

	// DefaultImpossibleTravelWindow: a second country observed within
	// this window of the previous one cannot be physical travel.
	DefaultImpossibleTravelWindow = 10 * time.Minute
)

// ContextPin is the trust-on-first-use environment snapshot taken on the
// session's first evaluated request.
type ContextPin struct {
	UAClass    string    `json:"ua_class"`
	DeviceID   string    `json:"device_id"`
	GeoCountry string    `json:"geo_country"`
	PinnedAt   time.Time `json:"pinned_at"`
}

// NavResult is the navigator's verdict for one request context.
type NavResult struct {
	Score   float64
	Block   bool
	Reasons []string
}

// Navigator scores request-context drift against the session's pinned
// environment.
type Navigator struct {
	travelWindow time.Duration
}

// NewNavigator constructs a navigator; a non-positive window selects the
// default impossible-travel window.
func NewNavigator(travelWindow time.Duration) *Navigator {
	if travelWindow <= 0 {
		travelWindow = DefaultImpossibleTravelWindow
	}
	return &Navigator{travelWindow: travelWindow}
}

// UAClass reduces a user-agent string to a coarse browser class, or
// "unknown" for anything outside the allowlist.
func UAClass(ua string) string {
	s := strings.ToLower(ua)
	switch {
	case s == "":
		return "unknown"
	case strings.Contains(s, "edg/") || strings.Contains(s, "edge"):
		return "edge"
	case strings.Contains(s, "firefox"):
		return "firefox"
	case strings.Contains(s, "chrome") || strings.Contains(s, "chromium"):
		return "chrome"
	case strings.Contains(s, "safari"):
		return "safari"
	default:
		return "unknown"
	}
}

// Evaluate scores the request context against the session and mutates the
// session's pin, geo memory and context-stability clock. The first
// evaluated request pins the environment and scores zero; later requests
// score the allowlist plus a penalty per deviating field. A mid-session
// country change inside the travel window is a hard block.
func (n *Navigator) Evaluate(state *SessionState, ctx RequestContext, now time.Time) NavResult {
	var res NavResult
	class := UAClass(ctx.UserAgent)
	if class == "unknown" {
		res.Score += unknownUAScore
		res.Reasons = append(res.Reasons, "ua_unknown")
	}

	// Impossible travel is judged on observed countries, pinned or not.
	if ctx.GeoCountry != "" {
		if state.LastGeoCountry != "" && state.LastGeoCountry != ctx.GeoCountry &&
			now.Sub(state.LastGeoSeenAt) < n.travelWindow {
			res.Block = true
			res.Score = 1.0
			res.Reasons = append(res.Reasons, "impossible_travel")
		}
		state.LastGeoCountry = ctx.GeoCountry
		state.LastGeoSeenAt = now
	}
	if res.Block {
		state.ContextStableSince = now
		return res
	}

	if state.Pin == nil {
		state.Pin = &ContextPin{
			UAClass:    class,
			DeviceID:   ctx.DeviceID,
			GeoCountry: ctx.GeoCountry,
			PinnedAt:   now,
		}
		if state.ContextStableSince.IsZero() {
			state.ContextStableSince = now
		}
		// The pinning request has nothing to deviate from; any allowlist
		// finding stays in the reasons without scoring.
		res.Score = 0
		return res
	}

	deviations := 0
	if state.Pin.UAClass != class {
		deviations++
		res.Reasons = append(res.Reasons, "ua_class_changed")
	}
	if state.Pin.DeviceID != ctx.DeviceID {
		deviations++
		res.Reasons = append(res.Reasons, "device_changed")
	}
	if state.Pin.GeoCountry != "" && ctx.GeoCountry != "" && state.Pin.GeoCountry != ctx.GeoCountry {
		deviations++
		res.Reasons = append(res.Reasons, "geo_changed")
	}
	res.Score += pinDeviationEach * float64(deviations)
	if deviations > 0 {
		state.ContextStableSince = now
	} else if state.ContextStableSince.IsZero() {
		state.ContextStableSince = now
	}
	res.Score = clamp01(res.Score)
	return res
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
