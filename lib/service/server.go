// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/opcreset/opcreset/lib/taskqueue"
	"github.com/opcreset/opcreset/sdk/go/ctxlog"
	"github.com/opcreset/opcreset/sdk/go/health"
	"github.com/opcreset/opcreset/sdk/go/httpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server dispatches triggers and delayed tasks to the handlers
// registered with it, and serves the management API:
//
//	POST /{trigger}    run the named trigger (202 Accepted)
//	GET  /metrics      prometheus metrics
//	GET  /_health/...  health checks
//
// All management endpoints require the management token.
type Server struct {
	ManagementToken string
	Queue           taskqueue.Queue
	Registry        *prometheus.Registry
	// Health checks served under /_health/. "ping" is added if
	// missing.
	Health health.Routes
	Logger logrus.FieldLogger

	ctx      context.Context
	mtx      sync.Mutex
	triggers map[string]func(context.Context)
	running  sync.WaitGroup
}

// NewServer returns a Server whose triggers run with ctx.
func NewServer(ctx context.Context, token string, queue taskqueue.Queue, reg *prometheus.Registry, logger logrus.FieldLogger) *Server {
	return &Server{
		ManagementToken: token,
		Queue:           queue,
		Registry:        reg,
		Logger:          logger,
		ctx:             ctx,
		triggers:        map[string]func(context.Context){},
	}
}

// RegisterTrigger makes fn available as the trigger called name.
func (s *Server) RegisterTrigger(name string, fn func(context.Context)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.triggers[name] = fn
}

// RegisterTaskHandler sets the handler for delayed tasks.
func (s *Server) RegisterTaskHandler(fn func(ctx context.Context, host string)) {
	s.Queue.SetHandler(fn)
}

// Trigger starts the named trigger in the background. It returns
// false if no such trigger is registered.
func (s *Server) Trigger(name string) bool {
	s.mtx.Lock()
	fn, ok := s.triggers[name]
	s.mtx.Unlock()
	if !ok {
		return false
	}
	logger := s.Logger.WithField("Trigger", name)
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		logger.Info("trigger started")
		fn(ctxlog.Context(s.ctx, logger))
		logger.Debug("trigger finished")
	}()
	return true
}

// Wait returns when all triggers started so far have finished.
func (s *Server) Wait() {
	s.running.Wait()
}

// RunPeriodic calls the named trigger every interval until ctx is
// done.
func (s *Server) RunPeriodic(ctx context.Context, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Trigger(name)
		}
	}
}

// TriggerOnSignal arranges for the named trigger to be called each
// time one of the given signals is received, until ctx is done. The
// signals are being watched by the time TriggerOnSignal returns.
func (s *Server) TriggerOnSignal(ctx context.Context, name string, sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				s.Logger.WithField("Signal", sig.String()).Info("received signal")
				s.Trigger(name)
			}
		}
	}()
}

// Handler returns the management API handler. Triggers registered
// after Handler is called are not routed.
func (s *Server) Handler() http.Handler {
	mux := httprouter.New()
	s.mtx.Lock()
	for name := range s.triggers {
		name := name
		mux.Handler("POST", "/"+name, httpserver.RequireToken(s.ManagementToken, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.Trigger(name)
			w.WriteHeader(http.StatusAccepted)
		})))
	}
	s.mtx.Unlock()
	reg := s.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	mux.Handler("GET", "/metrics", httpserver.RequireToken(s.ManagementToken, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: s.Logger,
	})))
	mux.Handler("GET", "/_health/*check", &health.Handler{
		Token:  s.ManagementToken,
		Prefix: "/_health/",
		Routes: s.Health,
	})
	return httpserver.AddRequestIDs(httpserver.LogRequests(s.Logger, mux))
}
