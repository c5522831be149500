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

// Package core implements the behavioral authentication engine: feature
// extraction from raw input telemetry, the physics and navigation
// detectors, the per-user anomaly models, and the orchestrator that fuses
// component risks into a single session decision.
package core

// KeyAction distinguishes key press from key release events.
type KeyAction string

const (
	KeyDown KeyAction = "DOWN"
	KeyUp   KeyAction = "UP"
)

// KeyEvent is a single keystroke event with a client-side timestamp in
// milliseconds. Key carries a key identifier, not typed text; the engine
// never sees plaintext input.
type KeyEvent struct {
	Key    string    `json:"key" validate:"required"`
	Action KeyAction `json:"action" validate:"required,oneof=DOWN UP"`
	TS     float64   `json:"ts" validate:"gte=0"`
}

// MouseAction distinguishes pointer movement from click events.
type MouseAction string

const (
	MouseMove  MouseAction = "MOVE"
	MouseClick MouseAction = "CLICK"
)

// MouseEvent is a single pointer sample. Coordinates are viewport pixels,
// TS is a client-side timestamp in milliseconds.
type MouseEvent struct {
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	Action MouseAction `json:"action" validate:"required,oneof=MOVE CLICK"`
	TS     float64     `json:"ts" validate:"gte=0"`
}

// KeyboardBatch is one ingest payload for the keyboard stream. BatchID is
// a client-side monotone sequence number used for replay and gap
// detection.
type KeyboardBatch struct {
	SessionID string     `json:"session_id" validate:"required"`
	UserID    string     `json:"user_id" validate:"required"`
	BatchID   int64      `json:"batch_id" validate:"gte=0"`
	Events    []KeyEvent `json:"events" validate:"required,dive"`
}

// MouseBatch is one ingest payload for the mouse stream.
type MouseBatch struct {
	SessionID string       `json:"session_id" validate:"required"`
	UserID    string       `json:"user_id" validate:"required"`
	BatchID   int64        `json:"batch_id" validate:"gte=0"`
	Events    []MouseEvent `json:"events" validate:"required,dive"`
}

// RequestContext carries the per-request environment the navigator
// evaluates. GeoCountry is resolved by the upstream enrichment layer; the
// engine never performs IP lookups itself.
type RequestContext struct {
	IP         string `json:"ip"`
	UserAgent  string `json:"user_agent"`
	DeviceID   string `json:"device_id"`
	GeoCountry string `json:"ip_geo_country"`
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
}

// Decision is the outcome of one evaluation.
type Decision string

const (
	DecisionAllow     Decision = "ALLOW"
	DecisionChallenge Decision = "CHALLENGE"
	DecisionBlock     Decision = "BLOCK"
)

// Mode is the session's operating mode; it selects the fusion weights and
// decision thresholds used on the next evaluation.
type Mode string

const (
	ModeNormal    Mode = "NORMAL"
	ModeChallenge Mode = "CHALLENGE"
	ModeTrusted   Mode = "TRUSTED"
)

// Phase tracks how far the session has progressed toward a verified
// identity.
type Phase string

const (
	PhaseUnknown   Phase = "UNKNOWN"
	PhaseVerifying Phase = "VERIFYING"
	PhaseTrusted   Phase = "TRUSTED"
)

// FeatureDims is the dimensionality of a keyboard feature window:
// mean/std/min/max over dwell, flight and inter-key intervals.
const FeatureDims = 12

// FeatureWindow is one extracted keyboard feature vector, in
// milliseconds, ordered per FeatureNames.
type FeatureWindow [FeatureDims]float64

// FeatureNames labels the window dimensions, used for anomaly
// attribution in audit records.
var FeatureNames = [FeatureDims]string{
	"dwell_mean", "dwell_std", "dwell_min", "dwell_max",
	"flight_mean", "flight_std", "flight_min", "flight_max",
	"interkey_mean", "interkey_std", "interkey_min", "interkey_max",
}
