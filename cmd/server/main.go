// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

// Command server runs the notification service: HTTP ingestion and
// query API, the durable delivery queue (embedded NATS JetStream by
// default), the delivery worker, and the websocket presence hub, all
// under one supervision tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/vladgthb/notification/internal/api"
	"github.com/vladgthb/notification/internal/config"
	"github.com/vladgthb/notification/internal/logging"
	"github.com/vladgthb/notification/internal/presence"
	"github.com/vladgthb/notification/internal/queue"
	"github.com/vladgthb/notification/internal/store"
	"github.com/vladgthb/notification/internal/supervisor"
	"github.com/vladgthb/notification/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Bool("embedded_queue", cfg.Queue.EmbeddedServer).
		Msg("Starting notification service")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	queueURL := cfg.Queue.URL
	var embedded *queue.EmbeddedServer
	if cfg.Queue.EmbeddedServer {
		embedded, err = queue.NewEmbeddedServer(cfg.Queue)
		if err != nil {
			return err
		}
		queueURL = embedded.ClientURL()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Embedded NATS shutdown")
			}
		}()
	}

	if err := provisionStream(ctx, queueURL, cfg.Queue); err != nil {
		return err
	}

	wmLogger := logging.NewWatermillAdapter()

	publisher, err := queue.NewPublisher(queueURL, cfg.Queue, wmLogger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// One subscriber per subject: each one owns a distinct JetStream
	// durable consumer, named after its durable suffix.
	normalSub, err := queue.NewSubscriber(queueURL, cfg.Queue, "worker-normal", wmLogger)
	if err != nil {
		return err
	}
	defer normalSub.Close()

	highSub, err := queue.NewSubscriber(queueURL, cfg.Queue, "worker-high", wmLogger)
	if err != nil {
		return err
	}
	defer highSub.Close()

	deadSub, err := queue.NewSubscriber(queueURL, cfg.Queue, "dead", wmLogger)
	if err != nil {
		return err
	}
	defer deadSub.Close()

	hub := presence.NewHub(cfg.Presence)

	router, err := worker.NewRouter(cfg.Queue, queue.NewPoisonPublisher(publisher.WatermillPublisher()), wmLogger)
	if err != nil {
		return err
	}
	worker.NewProcessor(db, hub).Register(router, normalSub.WatermillSubscriber(), highSub.WatermillSubscriber())

	deadLetters := queue.NewDeadLetterStore(cfg.Queue.DeadLetterMaxEntries)
	deadConsumer := queue.NewDeadLetterConsumer(deadSub, deadLetters)

	queueReady := func() bool {
		if embedded != nil {
			return embedded.IsRunning()
		}
		return true
	}
	handlers := api.NewHandlers(db, publisher, hub, deadLetters, queueReady)
	apiRouter := api.NewRouter(cfg.Server, handlers, api.NewWebSocketHandler(hub))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiRouter.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  2 * cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddPipelineService(supervisor.RunFunc{Name: "presence-hub", Fn: hub.Run})
	tree.AddPipelineService(supervisor.RunFunc{Name: "delivery-worker", Fn: router.Run})
	tree.AddPipelineService(supervisor.RunFunc{Name: "dead-letter-consumer", Fn: deadConsumer.Run})
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, cfg.Server.ShutdownTimeout))

	logging.Info().Msg("Supervision tree starting")
	if err := tree.Serve(ctx); err != nil && err != context.Canceled {
		return err
	}
	logging.Info().Msg("Shutdown complete")
	return nil
}

// provisionStream connects just long enough to ensure the JetStream
// stream exists with the configured limits.
func provisionStream(ctx context.Context, url string, cfg config.QueueConfig) error {
	nc, err := natsgo.Connect(url,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(5),
		natsgo.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	defer nc.Close()

	mgr, err := queue.NewStreamManager(nc, cfg)
	if err != nil {
		return err
	}

	provisionCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := mgr.EnsureStream(provisionCtx); err != nil {
		return err
	}

	logging.Info().Str("stream", cfg.StreamName).Msg("JetStream stream ready")
	return nil
}
