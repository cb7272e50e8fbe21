// Armature - Multi-Armed Bandit Experimentation Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/armature

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/armature/internal/config"
	"github.com/tomtom215/armature/internal/logging"
	"github.com/tomtom215/armature/internal/metrics"
)

// RequestID attaches an X-Request-ID header and logging context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Prometheus records request counts and latency per route pattern.
func Prometheus(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			metrics.RecordAPIRequest(r.Method, endpoint, rec.status, time.Since(started))
		})
	}
}

// Authenticate guards admin and analytics routes per the configured mode.
// The serve, ingest, and health endpoints stay open: the host recommender
// sits inside the trust boundary and serving must not fail on auth hiccups.
func Authenticate(cfg config.SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch cfg.AuthMode {
			case "none", "":
				next.ServeHTTP(w, r)
				return
			case "token":
				if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(cfg.APIToken)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			case "jwt":
				if validateJWT(bearerToken(r), cfg.JWTSecret) {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		})
	}
}

// bearerToken extracts the Authorization bearer credential.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// validateJWT verifies an HS256 token signature and expiry.
func validateJWT(tokenString, secret string) bool {
	if tokenString == "" {
		return false
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}
