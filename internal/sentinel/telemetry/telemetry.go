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

// Package telemetry bridges the engine's in-process counters into
// Prometheus. The hot path only touches plain atomics; this package
// samples them at scrape time, so enabling export costs nothing between
// scrapes.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sentinel/internal/sentinel/core"
)

var (
	evaluationsDesc = prometheus.NewDesc(
		"sentinel_evaluations_total",
		"Total evaluation requests decided, by outcome.",
		[]string{"decision"}, nil,
	)
	keyboardBatchesDesc = prometheus.NewDesc(
		"sentinel_keyboard_batches_total",
		"Total keyboard telemetry batches accepted.",
		nil, nil,
	)
	mouseBatchesDesc = prometheus.NewDesc(
		"sentinel_mouse_batches_total",
		"Total mouse telemetry batches accepted.",
		nil, nil,
	)
	windowsEmittedDesc = prometheus.NewDesc(
		"sentinel_feature_windows_total",
		"Total keyboard feature windows completed.",
		nil, nil,
	)
	learnConflictsDesc = prometheus.NewDesc(
		"sentinel_learn_conflicts_total",
		"Total optimistic-version conflicts during model learning.",
		nil, nil,
	)
	blobHealsDesc = prometheus.NewDesc(
		"sentinel_blob_heals_total",
		"Total corrupted model blobs deleted on read.",
		nil, nil,
	)
	failSafesDesc = prometheus.NewDesc(
		"sentinel_fail_safes_total",
		"Total hot-store failures answered with a fail-safe challenge.",
		nil, nil,
	)
)

// EngineCollector exports the engine's process counters.
type EngineCollector struct{}

// Describe implements prometheus.Collector.
func (EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- evaluationsDesc
	ch <- keyboardBatchesDesc
	ch <- mouseBatchesDesc
	ch <- windowsEmittedDesc
	ch <- learnConflictsDesc
	ch <- blobHealsDesc
	ch <- failSafesDesc
}

// Collect implements prometheus.Collector by sampling the counters.
func (EngineCollector) Collect(ch chan<- prometheus.Metric) {
	s := core.SnapshotCounters()
	ch <- prometheus.MustNewConstMetric(evaluationsDesc, prometheus.CounterValue, float64(s.Allows), "allow")
	ch <- prometheus.MustNewConstMetric(evaluationsDesc, prometheus.CounterValue, float64(s.Challenges), "challenge")
	ch <- prometheus.MustNewConstMetric(evaluationsDesc, prometheus.CounterValue, float64(s.Blocks), "block")
	ch <- prometheus.MustNewConstMetric(keyboardBatchesDesc, prometheus.CounterValue, float64(s.KeyboardBatches))
	ch <- prometheus.MustNewConstMetric(mouseBatchesDesc, prometheus.CounterValue, float64(s.MouseBatches))
	ch <- prometheus.MustNewConstMetric(windowsEmittedDesc, prometheus.CounterValue, float64(s.WindowsEmitted))
	ch <- prometheus.MustNewConstMetric(learnConflictsDesc, prometheus.CounterValue, float64(s.LearnConflicts))
	ch <- prometheus.MustNewConstMetric(blobHealsDesc, prometheus.CounterValue, float64(s.BlobHeals))
	ch <- prometheus.MustNewConstMetric(failSafesDesc, prometheus.CounterValue, float64(s.FailSafes))
}

// NewRegistry returns a registry with the engine collector and the
// standard process/Go collectors installed.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(EngineCollector{})
	return reg
}

// Serve exposes /metrics on addr in a background goroutine. Opt-in;
// callers with an empty addr get a no-op.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(NewRegistry(), promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
