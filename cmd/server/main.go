// Copyright (c) 2026 John Earle
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

// Inbound Document Service
//
// Entry point for the inbound email document pipeline. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL, Redis and S3-compatible object storage
//  3. Builds the extraction pipeline (heuristics plus optional Gemini)
//  4. Serves the intake webhook, the processing trigger and the inbox API
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/baucrm/inbound/internal/ai"
	"github.com/baucrm/inbound/internal/config"
	"github.com/baucrm/inbound/internal/confirm"
	"github.com/baucrm/inbound/internal/dedup"
	"github.com/baucrm/inbound/internal/inbox"
	"github.com/baucrm/inbound/internal/orders"
	"github.com/baucrm/inbound/internal/processor"
	"github.com/baucrm/inbound/internal/resend"
	"github.com/baucrm/inbound/internal/storage"
	"github.com/baucrm/inbound/internal/tenant"
	"github.com/baucrm/inbound/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting inbound document service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"batch_limit", cfg.BatchLimit,
		"gemini_enabled", cfg.GeminiAPIKey != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Dedup Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Object Storage ---
	blobs, err := storage.New(ctx, storage.Config{
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		BaseEndpoint: cfg.S3BaseEndpoint,
	})
	if err != nil {
		slog.Error("failed to initialise object storage", "error", err)
		os.Exit(1)
	}

	// --- Postgres Stores ---
	inboxStore, err := inbox.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise inbox store", "error", err)
		os.Exit(1)
	}
	orderStore, err := orders.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise order store", "error", err)
		os.Exit(1)
	}

	// --- Tenant Resolver ---
	resolver := tenant.NewResolver(pgPool, cfg.DefaultUserID)

	// --- Resend Hydration ---
	hydrator := resend.NewClient(cfg.ResendAPIKey, cfg.ResendBaseURL)

	// --- Signal Extraction ---
	// Without a Gemini key the pipeline runs heuristics only.
	var extractor ai.Extractor = ai.Nop{}
	if cfg.GeminiAPIKey != "" {
		extractor = ai.NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel, "")
	}

	proc := processor.New(inboxStore, orderStore, blobs, extractor,
		cfg.PreassignThreshold, cfg.ReviewThreshold)

	executor := confirm.NewExecutor(inboxStore, orderStore)

	// --- HTTP Server ---
	handler := webhook.NewHandler(hydrator, resolver, inboxStore, blobs, filter, proc, executor,
		webhook.Auth{
			WebhookSecret: cfg.WebhookSecret,
			SigningSecret: cfg.ResendSigningSecret,
			CronSecret:    cfg.CronSecret,
			AllowInsecure: cfg.AllowInsecure,
		},
		webhook.Limits{
			MaxAttachmentBytes: cfg.MaxAttachmentBytes,
			AllowedMimeTypes:   cfg.AllowedMimeSet(),
			BatchLimit:         cfg.BatchLimit,
		})

	handler.HealthCheck = func(ctx context.Context) error {
		if err := pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres unhealthy: %w", err)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
		return nil
	}

	ready, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("inbound document service ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()

	rdb.Close()
	pgPool.Close()

	slog.Info("inbound document service stopped")
}
