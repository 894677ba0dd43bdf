// Notify - Asynchronous Per-User Notification Delivery
// Copyright 2026 Vlad G. (vladgthb)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vladgthb/notification

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunFuncRestartsOnFailure(t *testing.T) {
	var runs atomic.Int32
	svc := RunFunc{
		Name: "flaky",
		Fn: func(ctx context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("transient crash")
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}

	tree := NewTree(slog.Default(), TreeConfig{
		FailureThreshold: 100, // keep restarts immediate for the test
		FailureDecay:     1,
		FailureBackoff:   time.Millisecond,
		ShutdownTimeout:  time.Second,
	})
	tree.AddPipelineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("service restarted %d times, want 3 runs", runs.Load())
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not stop after cancel")
	}
}

func TestRunFuncCleanExitIsNotRestarted(t *testing.T) {
	var runs atomic.Int32
	svc := RunFunc{
		Name: "stops-cleanly",
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			<-ctx.Done()
			return context.Canceled
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if err := svc.Serve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled passthrough", err)
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
}

type fakeHTTPServer struct {
	started  chan struct{}
	shutdown atomic.Bool
	done     chan struct{}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	close(f.started)
	<-f.done
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	close(f.done)
	return nil
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	srv := &fakeHTTPServer{
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	svc := NewHTTPService(srv, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	select {
	case <-srv.started:
	case <-time.After(time.Second):
		t.Fatal("server never started")
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return")
	}
	if !srv.shutdown.Load() {
		t.Error("Shutdown was not called")
	}
}
