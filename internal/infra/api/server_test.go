//go:build !integration

package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"crm-enrichment/internal/config"
	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/domain/ports/adapter"
	"crm-enrichment/internal/infra/api"
	"crm-enrichment/internal/usecase"
)

type stubBackend struct{}

func (stubBackend) Submit(context.Context, json.RawMessage) (string, error) { return "job-1", nil }

func (stubBackend) FetchStatus(context.Context, string) (adapter.StatusResponse, error) {
	return adapter.StatusResponse{}, errors.New("not used")
}

type stubPoller struct{}

type stubCycle struct{ done chan struct{} }

func (c stubCycle) Cancel()               {}
func (c stubCycle) Done() <-chan struct{} { return c.done }

func (stubPoller) Start(context.Context, model.TrackingHandle, model.RetryBudget, adapter.PollSink) adapter.PollCycle {
	c := stubCycle{done: make(chan struct{})}
	close(c.done)
	return c
}

func newTestLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newTrackers(t *testing.T) usecase.TrackerUseCase {
	t.Helper()
	uc, err := usecase.NewTrackerUseCase(usecase.RegistryConfig{
		Workflows: []usecase.Workflow{{
			Name:     "lead_enrichment",
			Budget:   model.DefaultRetryBudget(),
			Resolver: usecase.NewStateResolver("found"),
			Backend:  stubBackend{},
			Poller:   stubPoller{},
		}},
		Logger: newTestLogger(),
	})
	if err != nil {
		t.Fatalf("expected no error, but got: %v", err)
	}
	t.Cleanup(uc.Close)
	return uc
}

func newRouter(t *testing.T, am *api.AuthManager, checks map[string]api.HealthCheck) http.Handler {
	t.Helper()
	return api.NewRouter(config.APIConfig{Timeout: time.Second, SubmitWindow: time.Minute}, api.Deps{
		Trackers: newTrackers(t),
		Auth:     am,
		Checks:   checks,
		Logger:   newTestLogger(),
	})
}

func get(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter(t *testing.T) {
	am := api.NewAuthManager("test-secret")

	t.Run("health is open and reports OK", func(t *testing.T) {
		rec := get(newRouter(t, am, nil), "/health", "")
		if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
			t.Fatalf("unexpected health response %d: %s", rec.Code, rec.Body.String())
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("expected a request id header")
		}
	})

	t.Run("health fails when a dependency is down", func(t *testing.T) {
		checks := map[string]api.HealthCheck{"redis": func(context.Context) error { return errors.New("connection refused") }}
		rec := get(newRouter(t, am, checks), "/health", "")
		if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "redis") {
			t.Fatalf("unexpected health response %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		rec := get(newRouter(t, am, nil), "/metrics", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("api rejects missing tokens", func(t *testing.T) {
		rec := get(newRouter(t, am, nil), "/api/v1/workflows", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("api accepts a minted token", func(t *testing.T) {
		tok, err := am.Mint("svc-crm", time.Minute)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		rec := get(newRouter(t, am, nil), "/api/v1/workflows/lead_enrichment/jobs/lead-1", tok)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"idle"`) {
			t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("api runs open without an auth manager", func(t *testing.T) {
		rec := get(newRouter(t, nil, nil), "/api/v1/workflows", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("request id is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		rec := httptest.NewRecorder()
		newRouter(t, am, nil).ServeHTTP(rec, req)
		if rec.Header().Get("X-Request-ID") != "abc-123" {
			t.Fatalf("expected the caller's request id, got %q", rec.Header().Get("X-Request-ID"))
		}
	})
}

func TestAuthManager(t *testing.T) {
	am := api.NewAuthManager("secret-a")

	t.Run("it should round-trip a token", func(t *testing.T) {
		tok, err := am.Mint("svc", time.Minute)
		if err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		claims, err := am.Parse(tok)
		if err != nil || claims.Subject != "svc" || claims.Scope != "trackers" {
			t.Fatalf("unexpected claims %+v (%v)", claims, err)
		}
	})

	t.Run("it should reject a token signed with another secret", func(t *testing.T) {
		tok, _ := api.NewAuthManager("secret-b").Mint("svc", time.Minute)
		if _, err := am.Parse(tok); !errors.Is(err, api.ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, but got: %v", err)
		}
	})

	t.Run("it should reject an expired token", func(t *testing.T) {
		tok, _ := am.Mint("svc", -time.Minute)
		if _, err := am.Parse(tok); !errors.Is(err, api.ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, but got: %v", err)
		}
	})

	t.Run("it should reject the none algorithm", func(t *testing.T) {
		tok, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "svc", Issuer: "crm-enrichment"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		if _, err := am.Parse(tok); !errors.Is(err, api.ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, but got: %v", err)
		}
	})

	t.Run("it should require a subject", func(t *testing.T) {
		if _, err := am.Mint(" ", time.Minute); err == nil {
			t.Fatal("expected an error for an empty subject")
		}
	})

	t.Run("it should report a missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if _, err := am.ParseFromRequest(req); !errors.Is(err, api.ErrMissingToken) {
			t.Fatalf("expected ErrMissingToken, but got: %v", err)
		}
	})
}
