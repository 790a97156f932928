// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health-check endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/opcreset/opcreset/sdk/go/httpserver"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func(context.Context) error

// Routes is a map of URI path to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"}
// (status 200) or {"health":"ERROR","error":"error text"} (status
// 503).
//
// Fields of a Handler should not be changed after the Handler is
// first used.
type Handler struct {
	setupOnce sync.Once
	mux       *http.ServeMux

	// Authentication token. If empty, all requests will return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Map of URI paths to health-check Func, without the prefix.
	// If "ping" is not listed here, it is added automatically and
	// always returns a healthy response.
	Routes Routes
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for name, fn := range h.Routes {
		h.mux.Handle(prefix+name, httpserver.RequireToken(h.Token, healthJSON(fn)))
	}
	if _, ok := h.Routes["ping"]; !ok {
		h.mux.Handle(prefix+"ping", httpserver.RequireToken(h.Token, healthJSON(func(context.Context) error { return nil })))
	}
}

var healthyBody = []byte(`{"health":"OK"}` + "\n")

func healthJSON(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := fn(r.Context())
		if err == nil {
			w.Write(healthyBody)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"health": "ERROR",
			"error":  err.Error(),
		})
	})
}
