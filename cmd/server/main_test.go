package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/matt-riley/condz/internal/metrics"
	"github.com/matt-riley/condz/internal/middleware"
)

type fakeTokenValidator struct {
	mu        sync.Mutex
	err       error
	calls     int
	principal middleware.Principal
}

func (f *fakeTokenValidator) ValidateToken(_ context.Context, _ string) (middleware.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.principal, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewHTTPHandlerProtectsV1RoutesIncludingEscapedPaths(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("GET /v1/conditions", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := middleware.PrincipalFromContext(r.Context()); !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	validator := &fakeTokenValidator{principal: middleware.Principal{ProjectID: "proj-test", KeyID: "key"}}
	handler := newHTTPHandler(apiHandler, validator, discardLogger(), metrics.New())

	t.Run("unauthenticated escaped v1 path is rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/%76%31/conditions", nil))

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("WWW-Authenticate = %q, want %q", got, "Bearer")
		}
	})

	t.Run("authenticated v1 path carries the principal", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/conditions", nil)
		req.Header.Set("Authorization", "Bearer key.secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if validator.calls != 1 {
			t.Fatalf("ValidateToken calls = %d, want 1", validator.calls)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Fatal("X-Request-ID not set by request logging")
		}
	})
}

func TestNewHTTPHandlerKeepsPublicEndpointsAccessible(t *testing.T) {
	apiHandler := http.NewServeMux()
	for _, pattern := range []string{"GET /healthz", "GET /metrics", "GET /debug"} {
		apiHandler.HandleFunc(pattern, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	handler := newHTTPHandler(apiHandler, &fakeTokenValidator{err: errors.New("invalid token")}, discardLogger(), metrics.New())

	for _, path := range []string{"/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}

	t.Run("non-whitelisted public routes are not exposed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestNewHTTPHandlerCountsAuthFailures(t *testing.T) {
	m := metrics.New()
	handler := newHTTPHandler(http.NewServeMux(), &fakeTokenValidator{err: errors.New("invalid token")}, discardLogger(), m,
		middleware.WithOnAuthFailure(m.IncAuthFailures),
	)

	req := httptest.NewRequest(http.MethodGet, "/v1/conditions", nil)
	req.Header.Set("Authorization", "Bearer key.bad")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(m.AuthFailuresTotal); got != 1 {
		t.Fatalf("auth failures = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `condz_http_requests_total{method="GET",route="/v1/",status="401"} 1`) {
		t.Fatalf("metrics output missing 401 request count:\n%s", rec.Body)
	}
}
