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
	"testing"
	"time"
)

const chromeUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

func TestUAClass(t *testing.T) {
	cases := []struct {
		ua   string
		want string
	}{
		{chromeUA, "chrome"},
		{"Mozilla/5.0 (Windows NT 10.0; rv:109.0) Gecko/20100101 Firefox/115.0", "firefox"},
		{"Mozilla/5.0 (Macintosh) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15", "safari"},
		{"Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 Chrome/120.0 Safari/537.36 Edg/120.0", "edge"},
		{"curl/8.4.0", "unknown"},
		{"python-requests/2.31", "unknown"},
		{"", "unknown"},
	}
	for _, tc := range cases {
		if got := UAClass(tc.ua); got != tc.want {
			t.Errorf("UAClass(%q) = %q, want %q", tc.ua, got, tc.want)
		}
	}
}

func baseCtx() RequestContext {
	return RequestContext{
		IP:         "203.0.113.7",
		UserAgent:  chromeUA,
		DeviceID:   "dev-1",
		GeoCountry: "DE",
	}
}

func TestFirstRequestPinsContext(t *testing.T) {
	n := NewNavigator(0)
	s := NewSessionState("s1", "u1", time.Now())
	res := n.Evaluate(s, baseCtx(), time.Now())
	if res.Score != 0 || res.Block {
		t.Fatalf("first clean request scored %v block=%v", res.Score, res.Block)
	}
	if s.Pin == nil || s.Pin.UAClass != "chrome" || s.Pin.DeviceID != "dev-1" || s.Pin.GeoCountry != "DE" {
		t.Fatalf("pin = %+v", s.Pin)
	}
}

func TestUnknownUAScoresAfterPinning(t *testing.T) {
	n := NewNavigator(0)
	now := time.Now()
	s := NewSessionState("s1", "u1", now)
	ctx := baseCtx()
	ctx.UserAgent = "curl/8.4.0"

	res := n.Evaluate(s, ctx, now)
	if res.Score != 0 {
		t.Fatalf("pinning request scored %v, want 0", res.Score)
	}
	if s.Pin == nil || s.Pin.UAClass != "unknown" {
		t.Fatalf("pin = %+v", s.Pin)
	}

	res = n.Evaluate(s, ctx, now.Add(time.Minute))
	if math.Abs(res.Score-0.4) > 1e-9 {
		t.Fatalf("score = %v, want 0.4 once pinned", res.Score)
	}
}

func TestPinDeviationsAccumulate(t *testing.T) {
	n := NewNavigator(0)
	now := time.Now()
	s := NewSessionState("s1", "u1", now)
	n.Evaluate(s, baseCtx(), now)

	ctx := baseCtx()
	ctx.DeviceID = "dev-2"
	ctx.UserAgent = "Mozilla/5.0 (Windows NT 10.0; rv:109.0) Gecko/20100101 Firefox/115.0"
	res := n.Evaluate(s, ctx, now.Add(time.Hour))
	if math.Abs(res.Score-0.6) > 1e-9 {
		t.Fatalf("score = %v, want 0.6 for two deviating fields (reasons %v)", res.Score, res.Reasons)
	}
	if res.Block {
		t.Fatal("deviation alone must not block")
	}
}

func TestImpossibleTravelBlocks(t *testing.T) {
	n := NewNavigator(0)
	now := time.Now()
	s := NewSessionState("s1", "u1", now)
	n.Evaluate(s, baseCtx(), now)

	ctx := baseCtx()
	ctx.GeoCountry = "AU"
	res := n.Evaluate(s, ctx, now.Add(2*time.Minute))
	if !res.Block {
		t.Fatalf("expected block, got score %v reasons %v", res.Score, res.Reasons)
	}
	if res.Reasons[len(res.Reasons)-1] != "impossible_travel" && res.Reasons[0] != "impossible_travel" {
		t.Fatalf("reasons = %v", res.Reasons)
	}
}

func TestSlowCountryChangeDoesNotBlock(t *testing.T) {
	n := NewNavigator(0)
	now := time.Now()
	s := NewSessionState("s1", "u1", now)
	n.Evaluate(s, baseCtx(), now)

	ctx := baseCtx()
	ctx.GeoCountry = "FR"
	res := n.Evaluate(s, ctx, now.Add(2*time.Hour))
	if res.Block {
		t.Fatal("country change outside the travel window must not block")
	}
	// It still deviates from the pinned country.
	if math.Abs(res.Score-0.3) > 1e-9 {
		t.Fatalf("score = %v, want 0.3", res.Score)
	}
}

func TestDeviationResetsContextStability(t *testing.T) {
	n := NewNavigator(0)
	now := time.Now()
	s := NewSessionState("s1", "u1", now)
	n.Evaluate(s, baseCtx(), now)
	stable := s.ContextStableSince

	later := now.Add(10 * time.Minute)
	ctx := baseCtx()
	ctx.DeviceID = "dev-2"
	n.Evaluate(s, ctx, later)
	if !s.ContextStableSince.After(stable) {
		t.Fatal("deviation should restart the stability clock")
	}
}
