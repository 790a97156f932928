// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strings"
)

// RequireToken wraps the next handler, rejecting any request that
// doesn't supply the given token in an "Authorization: Bearer"
// header. If token is empty, every request is rejected with 404.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			http.Error(w, "disabled", http.StatusNotFound)
			return
		}
		ah := r.Header.Get("Authorization")
		if ah == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(ah, "Bearer ") || ah[7:] != token {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
