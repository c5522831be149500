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

// Package main simulates sessions against a running sentinel API.
//
// It drives the three public endpoints the way a browser agent would:
// telemetry batches to /stream/keyboard and /stream/mouse, then an
// /evaluate per cycle. Two personas are built in:
//
//   - human: jittered dwell and flight times, curved mouse strokes.
//   - bot: metronomic keystrokes and teleporting clicks, which should
//     drive the engine to CHALLENGE and then BLOCK.
//
// Try it against a local server:
//
//	./sentinel-sim -addr http://localhost:8080 -persona bot -cycles 5
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type event map[string]any

type batch struct {
	SessionID string  `json:"session_id"`
	UserID    string  `json:"user_id"`
	BatchID   int64   `json:"batch_id"`
	Events    []event `json:"events"`
}

type evalResult struct {
	Decision   string   `json:"decision"`
	Risk       float64  `json:"risk"`
	TrustScore float64  `json:"trust_score"`
	Mode       string   `json:"mode"`
	Reasons    []string `json:"reasons"`
}

type persona interface {
	keyboard(rng *rand.Rand, clock *float64, n int) []event
	mouse(rng *rand.Rand, clock *float64) []event
}

// human types with jitter and moves the pointer along noisy arcs.
type human struct{}

func (human) keyboard(rng *rand.Rand, clock *float64, n int) []event {
	events := make([]event, 0, 2*n)
	for i := 0; i < n; i++ {
		key := string(rune('a' + rng.Intn(26)))
		dwell := 70 + rng.NormFloat64()*15
		gap := 140 + rng.NormFloat64()*40
		if dwell < 20 {
			dwell = 20
		}
		if gap < 40 {
			gap = 40
		}
		events = append(events,
			event{"key": key, "action": "DOWN", "ts": *clock},
			event{"key": key, "action": "UP", "ts": *clock + dwell},
		)
		*clock += gap
	}
	return events
}

func (human) mouse(rng *rand.Rand, clock *float64) []event {
	events := make([]event, 0, 40)
	x, y := 200+rng.Float64()*400, 200+rng.Float64()*300
	angle := rng.Float64() * 2 * math.Pi
	for i := 0; i < 35; i++ {
		angle += rng.NormFloat64() * 0.25
		step := 8 + rng.Float64()*6
		x += math.Cos(angle) * step
		y += math.Sin(angle) * step
		*clock += 14 + rng.Float64()*6
		events = append(events, event{"x": x, "y": y, "action": "MOVE", "ts": *clock})
	}
	*clock += 80
	events = append(events, event{"x": x, "y": y, "action": "CLICK", "ts": *clock})
	return events
}

// bot is metronomic and teleports to its targets.
type bot struct{}

func (bot) keyboard(_ *rand.Rand, clock *float64, n int) []event {
	events := make([]event, 0, 2*n)
	for i := 0; i < n; i++ {
		key := string(rune('a' + i%26))
		events = append(events,
			event{"key": key, "action": "DOWN", "ts": *clock},
			event{"key": key, "action": "UP", "ts": *clock + 50},
		)
		*clock += 100
	}
	return events
}

func (bot) mouse(rng *rand.Rand, clock *float64) []event {
	events := make([]event, 0, 4)
	for i := 0; i < 3; i++ {
		*clock += 30
		events = append(events, event{
			"x": 100 + rng.Float64()*1200, "y": 100 + rng.Float64()*700,
			"action": "CLICK", "ts": *clock,
		})
	}
	return events
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "Base URL of the sentinel API")
	personaName := flag.String("persona", "human", "Traffic persona: human or bot")
	cycles := flag.Int("cycles", 10, "Telemetry+evaluate cycles to run")
	keys := flag.Int("keys", 25, "Keystrokes per keyboard batch")
	pause := flag.Duration("pause", 500*time.Millisecond, "Wall-clock pause between cycles")
	seed := flag.Int64("seed", time.Now().UnixNano(), "RNG seed")
	flag.Parse()

	var p persona
	switch *personaName {
	case "human":
		p = human{}
	case "bot":
		p = bot{}
	default:
		log.Fatalf("unknown persona %q", *personaName)
	}

	rng := rand.New(rand.NewSource(*seed))
	sessionID := uuid.NewString()
	userID := fmt.Sprintf("sim-%s-%d", *personaName, *seed%10000)
	client := &http.Client{Timeout: 5 * time.Second}
	clock := float64(time.Now().UnixMilli())

	fmt.Printf("simulating %s session %s (user %s) against %s\n", *personaName, sessionID, userID, *addr)

	var batchID int64
	for cycle := 1; cycle <= *cycles; cycle++ {
		batchID++
		post(client, *addr+"/stream/keyboard", batch{
			SessionID: sessionID, UserID: userID, BatchID: batchID,
			Events: p.keyboard(rng, &clock, *keys),
		})
		batchID++
		post(client, *addr+"/stream/mouse", batch{
			SessionID: sessionID, UserID: userID, BatchID: batchID,
			Events: p.mouse(rng, &clock),
		})

		res := evaluate(client, *addr, sessionID, userID)
		fmt.Printf("cycle %2d: %-9s risk=%.3f trust=%.3f mode=%s reasons=%v\n",
			cycle, res.Decision, res.Risk, res.TrustScore, res.Mode, res.Reasons)
		if res.Decision == "BLOCK" {
			fmt.Println("blocked; stopping")
			return
		}
		time.Sleep(*pause)
	}
}

func post(client *http.Client, url string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		fmt.Printf("  %s -> %s\n", url, resp.Status)
	}
}

func evaluate(client *http.Client, addr, sessionID, userID string) evalResult {
	b, _ := json.Marshal(map[string]string{
		"eval_id": uuid.NewString(), "session_id": sessionID, "user_id": userID,
	})
	resp, err := client.Post(addr+"/evaluate", "application/json", bytes.NewReader(b))
	if err != nil {
		log.Fatalf("POST /evaluate: %v", err)
	}
	defer resp.Body.Close()

	var res evalResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		log.Fatalf("decode evaluate response (%s): %v", resp.Status, err)
	}
	return res
}
