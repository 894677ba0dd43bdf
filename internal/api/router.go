// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vladgthb/notification/internal/config"
	"github.com/vladgthb/notification/internal/metrics"
)

// Router assembles the HTTP surface.
type Router struct {
	cfg      config.ServerConfig
	handlers *Handlers
	ws       *WebSocketHandler
}

// NewRouter creates the API router.
func NewRouter(cfg config.ServerConfig, handlers *Handlers, ws *WebSocketHandler) *Router {
	return &Router{cfg: cfg, handlers: handlers, ws: ws}
}

// Setup builds the route tree with the global middleware stack.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", rt.handlers.HealthLive)
		r.Get("/ready", rt.handlers.HealthReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	// Websocket attach skips the rate limiter: a reconnect storm after
	// a deploy is the exact moment clients must get back in.
	r.Get("/ws", rt.ws.Serve)

	r.Route("/api/v1/notifications", func(r chi.Router) {
		r.Use(httprate.LimitByIP(rt.cfg.RateLimitReqs, rt.cfg.RateLimitWindow))
		r.Use(prometheusMiddleware)

		r.Post("/", rt.handlers.SubmitNotification)
		r.Get("/", rt.handlers.ListNotifications)
		r.Patch("/read", rt.handlers.MarkNotificationsRead)
	})

	r.Route("/api/v1/dead-letters", func(r chi.Router) {
		r.Use(httprate.LimitByIP(rt.cfg.RateLimitReqs, rt.cfg.RateLimitWindow))
		r.Use(prometheusMiddleware)

		r.Get("/", rt.handlers.ListDeadJobs)
		r.Get("/{jobID}", rt.handlers.GetDeadJob)
		r.Delete("/{jobID}", rt.handlers.DeleteDeadJob)
		r.Post("/{jobID}/requeue", rt.handlers.RequeueDeadJob)
	})

	return r
}

// prometheusMiddleware records request counts and latencies per route
// pattern, method, and status.
func prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		status := strconv.Itoa(ww.Status())
		metrics.APIRequestsTotal.WithLabelValues(pattern, r.Method, status).Inc()
		metrics.APIRequestDuration.WithLabelValues(pattern, r.Method).Observe(time.Since(started).Seconds())
	})
}
