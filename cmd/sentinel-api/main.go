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

// Package main runs the continuous behavioral authentication service.
//
// The service ingests keyboard and mouse telemetry over HTTP, keeps all
// per-session state in Redis, learns per-user behavioral models into a
// SQL cold store, and answers /evaluate with ALLOW, CHALLENGE or BLOCK.
//
// This file is responsible for orchestrating the whole process:
//  1. Loading configuration (file, environment, flags).
//  2. Connecting the hot store (Redis) and cold store (SQL).
//  3. Wiring the evaluation engine and the API server.
//  4. Managing graceful shutdown so in-flight requests complete.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"sentinel/internal/sentinel/api"
	"sentinel/internal/sentinel/config"
	"sentinel/internal/sentinel/core"
	"sentinel/internal/sentinel/persistence"
	"sentinel/internal/sentinel/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Optional TOML config file")

	// Pre-scan for -config so file values become flag defaults, then
	// bind the remaining flags and parse for real.
	for i, arg := range os.Args[1:] {
		switch {
		case (arg == "-config" || arg == "--config") && i+2 < len(os.Args):
			*configPath = os.Args[i+2]
		case strings.HasPrefix(arg, "-config="):
			*configPath = strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			*configPath = strings.TrimPrefix(arg, "--config=")
		}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("configuration failed")
	}
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()
	if err := cfg.Validate(); err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("configuration failed")
	}

	log := newLogger(cfg.Logging)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	client, err := persistence.NewRedisClient(ctx, cfg.HotStore.Addr, cfg.HotStore.Password, cfg.HotStore.DB)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.HotStore.Addr).Msg("hot store unreachable")
	}
	defer client.Close()
	sessions := persistence.NewRedisSessionStore(client, cfg.SessionTTL(), cfg.StrikeTTL(), log)

	db, driver, err := persistence.OpenColdStore(cfg.ColdStore.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("cold store open failed")
	}
	defer db.Close()

	models := persistence.NewSQLModelStore(db, driver, log)
	sqlAudit := persistence.NewSQLAuditSink(db, driver)
	schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := models.EnsureSchema(schemaCtx); err != nil {
		log.Fatal().Err(err).Msg("model schema failed")
	}
	if err := sqlAudit.EnsureSchema(schemaCtx); err != nil {
		log.Fatal().Err(err).Msg("audit schema failed")
	}

	var audit core.AuditSink = sqlAudit
	if cfg.Audit.FilePath != "" {
		fileSink, ferr := persistence.NewAuditFileSink(cfg.Audit.FilePath)
		if ferr != nil {
			log.Fatal().Err(ferr).Str("path", cfg.Audit.FilePath).Msg("audit file open failed")
		}
		defer fileSink.Close()
		audit = persistence.MultiAuditSink{sqlAudit, fileSink}
	}

	orch := core.NewOrchestrator(cfg.EngineConfig(), sessions, models, audit, log)
	server := api.NewServer(orch, sessions, cfg.Server.StreamPerSecond, cfg.Server.EvalPerSecond, log)

	telemetry.Serve(cfg.Server.MetricsAddr)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("cold", driver).Msg("sentinel api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
	log.Info().Interface("counters", core.SnapshotCounters()).Msg("stopped")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
