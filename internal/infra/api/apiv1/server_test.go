//go:build !integration

package apiv1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	apiv1 "crm-enrichment/internal/infra/api/apiv1"
	"crm-enrichment/internal/infra/i18n"
	"crm-enrichment/internal/infra/logging"

	"crm-enrichment/internal/domain"
	"crm-enrichment/internal/domain/model"
)

//
// ---------------- in-memory use case ----------------
//

type memTrackers struct {
	snaps      map[string]model.Snapshot
	records    []*model.JobRecord
	submitErr  error
	lastBody   json.RawMessage
	lastLimit  int
	submitCtxs []context.Context
}

func newMemTrackers() *memTrackers {
	return &memTrackers{snaps: map[string]model.Snapshot{}}
}

func (m *memTrackers) check(workflow, key string) error {
	if workflow != "lead_enrichment" && workflow != "contact_extraction" {
		return fmt.Errorf("%w: %q", domain.ErrUnknownWorkflow, workflow)
	}
	if strings.TrimSpace(key) == "" {
		return domain.ErrInvalidArgument
	}
	return nil
}

func (m *memTrackers) Submit(ctx context.Context, workflow, key string, req json.RawMessage) (model.Snapshot, error) {
	if err := m.check(workflow, key); err != nil {
		return model.Snapshot{}, err
	}
	m.lastBody = req
	m.submitCtxs = append(m.submitCtxs, ctx)
	if m.submitErr != nil {
		snap := model.Snapshot{Workflow: workflow, Key: key, State: model.TrackerStateError, Message: model.TrackerStateError.Message(), LastError: m.submitErr.Error()}
		m.snaps[workflow+"/"+key] = snap
		return snap, m.submitErr
	}
	snap := model.Snapshot{
		Workflow: workflow, Key: key, State: model.TrackerStateProcessing, Message: model.TrackerStateProcessing.Message(),
		Handle:  &model.TrackingHandle{ID: "01HANDLE", JobID: "job-1", Workflow: workflow},
		Version: 2, UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	m.snaps[workflow+"/"+key] = snap
	return snap, nil
}

func (m *memTrackers) Reset(_ context.Context, workflow, key string) (model.Snapshot, error) {
	if err := m.check(workflow, key); err != nil {
		return model.Snapshot{}, err
	}
	snap := model.Snapshot{Workflow: workflow, Key: key, State: model.TrackerStateIdle, Message: model.TrackerStateIdle.Message()}
	m.snaps[workflow+"/"+key] = snap
	return snap, nil
}

func (m *memTrackers) Snapshot(_ context.Context, workflow, key string) (model.Snapshot, error) {
	if err := m.check(workflow, key); err != nil {
		return model.Snapshot{}, err
	}
	if s, ok := m.snaps[workflow+"/"+key]; ok {
		return s, nil
	}
	return model.Snapshot{Workflow: workflow, Key: key, State: model.TrackerStateIdle, Message: model.TrackerStateIdle.Message()}, nil
}

func (m *memTrackers) History(_ context.Context, workflow, key string, limit int) ([]*model.JobRecord, error) {
	if err := m.check(workflow, key); err != nil {
		return nil, err
	}
	m.lastLimit = limit
	return m.records, nil
}

func (m *memTrackers) Workflows() []string { return []string{"contact_extraction", "lead_enrichment"} }

func (m *memTrackers) Sweep(context.Context) (int, error) { return 0, nil }

func (m *memTrackers) Close() {}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}

func newTestLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newRouter(uc *memTrackers, lim apiv1.SubmitLimiter) *chi.Mux {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(logging.WithSubject(r.Context(), "svc-crm")))
		})
	})
	srv := apiv1.NewServer(uc, newTestLogger()).WithSubmitLimit(lim, 5, time.Minute)
	apiv1.RegisterAPIV1(r, srv)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) apiv1.Snapshot {
	t.Helper()
	var s apiv1.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("could not decode snapshot: %v (%s)", err, rec.Body.String())
	}
	return s
}

//
// ---------------- tests ----------------
//

func TestSubmit_AllPaths(t *testing.T) {
	t.Run("202 accepted with a processing snapshot", func(t *testing.T) {
		uc := newMemTrackers()
		rec := do(t, newRouter(uc, nil), http.MethodPost, "/workflows/lead_enrichment/jobs/lead-42", `{"lead_id":"42"}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
		}
		s := decodeSnapshot(t, rec)
		if s.State != "processing" || s.Terminal || s.Handle == nil || s.Handle.JobID != "job-1" {
			t.Fatalf("unexpected snapshot: %+v", s)
		}
		if string(uc.lastBody) != `{"lead_id":"42"}` {
			t.Errorf("body not forwarded: %s", uc.lastBody)
		}
	})

	t.Run("202 with an empty body", func(t *testing.T) {
		rec := do(t, newRouter(newMemTrackers(), nil), http.MethodPost, "/workflows/contact_extraction/jobs/acct-1", "")
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rec.Code)
		}
	})

	t.Run("400 invalid JSON", func(t *testing.T) {
		rec := do(t, newRouter(newMemTrackers(), nil), http.MethodPost, "/workflows/lead_enrichment/jobs/lead-42", `{nope`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("404 unknown workflow", func(t *testing.T) {
		rec := do(t, newRouter(newMemTrackers(), nil), http.MethodPost, "/workflows/nope/jobs/lead-42", `{}`)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("422 rejected submission carries the error snapshot", func(t *testing.T) {
		uc := newMemTrackers()
		uc.submitErr = fmt.Errorf("%w: HTTP 400", domain.ErrSubmissionRejected)
		rec := do(t, newRouter(uc, nil), http.MethodPost, "/workflows/lead_enrichment/jobs/lead-42", `{}`)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", rec.Code)
		}
		var body struct {
			Error    string          `json:"error"`
			Snapshot *apiv1.Snapshot `json:"snapshot"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if body.Snapshot == nil || body.Snapshot.State != "error" || !body.Snapshot.Terminal {
			t.Fatalf("expected an error snapshot, got %s", rec.Body.String())
		}
	})

	t.Run("502 backend unreachable", func(t *testing.T) {
		uc := newMemTrackers()
		uc.submitErr = fmt.Errorf("%w: dial tcp", domain.ErrTransport)
		rec := do(t, newRouter(uc, nil), http.MethodPost, "/workflows/lead_enrichment/jobs/lead-42", `{}`)
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", rec.Code)
		}
	})

	t.Run("409 superseded by a reset", func(t *testing.T) {
		uc := newMemTrackers()
		uc.submitErr = domain.ErrSuperseded
		rec := do(t, newRouter(uc, nil), http.MethodPost, "/workflows/lead_enrichment/jobs/lead-42", `{}`)
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("429 when the subject is over its limit", func(t *testing.T) {
		lim := &stubLimiter{allow: false}
		rec := do(t, newRouter(newMemTrackers(), lim), http.MethodPost, "/workflows/lead_enrichment/jobs/lead-42", `{}`)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
		if rec.Header().Get("Retry-After") != "60" {
			t.Errorf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
		}
		if len(lim.keys) != 1 || lim.keys[0] != "rate_limit:submit:svc-crm:lead_enrichment" {
			t.Errorf("unexpected limiter key: %v", lim.keys)
		}
	})

	t.Run("202 when the limiter is down", func(t *testing.T) {
		lim := &stubLimiter{err: errors.New("redis down")}
		rec := do(t, newRouter(newMemTrackers(), lim), http.MethodPost, "/workflows/lead_enrichment/jobs/lead-42", `{}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", rec.Code)
		}
	})
}

func TestSnapshot_Reset_History(t *testing.T) {
	t.Run("get 200 idle for an unknown key", func(t *testing.T) {
		rec := do(t, newRouter(newMemTrackers(), nil), http.MethodGet, "/workflows/lead_enrichment/jobs/lead-1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if s := decodeSnapshot(t, rec); s.State != "idle" || s.Message == "" {
			t.Fatalf("unexpected snapshot: %+v", s)
		}
	})

	t.Run("get 200 after submit", func(t *testing.T) {
		h := newRouter(newMemTrackers(), nil)
		do(t, h, http.MethodPost, "/workflows/lead_enrichment/jobs/lead-1", `{}`)
		rec := do(t, h, http.MethodGet, "/workflows/lead_enrichment/jobs/lead-1", "")
		s := decodeSnapshot(t, rec)
		if s.State != "processing" || s.Version != 2 || s.UpdatedAt == nil {
			t.Fatalf("unexpected snapshot: %+v", s)
		}
	})

	t.Run("delete 200 returns idle", func(t *testing.T) {
		h := newRouter(newMemTrackers(), nil)
		do(t, h, http.MethodPost, "/workflows/lead_enrichment/jobs/lead-1", `{}`)
		rec := do(t, h, http.MethodDelete, "/workflows/lead_enrichment/jobs/lead-1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if s := decodeSnapshot(t, rec); s.State != "idle" || s.Handle != nil {
			t.Fatalf("unexpected snapshot: %+v", s)
		}
	})

	t.Run("history 200 with items", func(t *testing.T) {
		uc := newMemTrackers()
		uc.records = []*model.JobRecord{{HandleID: "h1", JobID: "j1", State: model.TrackerStateEnriched, Attempts: 4}}
		rec := do(t, newRouter(uc, nil), http.MethodGet, "/workflows/lead_enrichment/jobs/lead-1/history?limit=5", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body struct {
			Items []apiv1.Record `json:"items"`
		}
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		if len(body.Items) != 1 || body.Items[0].State != "enriched" || uc.lastLimit != 5 {
			t.Fatalf("unexpected history: %s (limit %d)", rec.Body.String(), uc.lastLimit)
		}
	})

	t.Run("history 400 bad limit", func(t *testing.T) {
		rec := do(t, newRouter(newMemTrackers(), nil), http.MethodGet, "/workflows/lead_enrichment/jobs/lead-1/history?limit=0", "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("workflows 200", func(t *testing.T) {
		rec := do(t, newRouter(newMemTrackers(), nil), http.MethodGet, "/workflows", "")
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "lead_enrichment") {
			t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestSnapshot_LocalizedMessage(t *testing.T) {
	catalog, err := i18n.LoadCatalog(i18n.LocalesFS, "en")
	if err != nil {
		t.Fatalf("expected no error, but got: %v", err)
	}
	newLocalized := func() http.Handler {
		r := chi.NewRouter()
		apiv1.RegisterAPIV1(r, apiv1.NewServer(newMemTrackers(), newTestLogger()).WithMessages(catalog))
		return r
	}

	t.Run("it should follow Accept-Language", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/workflows/lead_enrichment/jobs/lead-1", nil)
		req.Header.Set("Accept-Language", "fa-IR,fa;q=0.9")
		rec := httptest.NewRecorder()
		newLocalized().ServeHTTP(rec, req)

		want := catalog.Lookup("fa").StateMessage(model.TrackerStateIdle)
		if s := decodeSnapshot(t, rec); s.Message != want {
			t.Fatalf("expected %q, but got: %q", want, s.Message)
		}
	})

	t.Run("it should let ?lang= override the header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/workflows/lead_enrichment/jobs/lead-1?lang=de", nil)
		req.Header.Set("Accept-Language", "fa")
		rec := httptest.NewRecorder()
		newLocalized().ServeHTTP(rec, req)

		if s := decodeSnapshot(t, rec); s.Message != "Bereit zum Senden." {
			t.Fatalf("expected the German message, but got: %q", s.Message)
		}
	})

	t.Run("it should keep English for unsupported languages", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/workflows/lead_enrichment/jobs/lead-1", nil)
		req.Header.Set("Accept-Language", "ja")
		rec := httptest.NewRecorder()
		newLocalized().ServeHTTP(rec, req)

		if s := decodeSnapshot(t, rec); s.Message != model.TrackerStateIdle.Message() {
			t.Fatalf("expected the default message, but got: %q", s.Message)
		}
	})
}
