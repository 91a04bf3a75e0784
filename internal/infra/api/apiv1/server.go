package apiv1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"crm-enrichment/internal/domain"
	"crm-enrichment/internal/domain/model"
	"crm-enrichment/internal/infra/i18n"
	"crm-enrichment/internal/infra/logging"
	"crm-enrichment/internal/infra/redis"
	"crm-enrichment/internal/usecase"
)

const maxRequestBytes = 64 << 10

// SubmitLimiter caps submissions per subject. The Redis rate limiter satisfies it.
type SubmitLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Server struct {
	trackers usecase.TrackerUseCase
	log      *zerolog.Logger

	limiter SubmitLimiter
	limit   int
	window  time.Duration

	messages *i18n.Catalog
}

func NewServer(trackers usecase.TrackerUseCase, logger *zerolog.Logger) *Server {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &Server{trackers: trackers, log: logger}
}

// WithSubmitLimit enables per-subject submit throttling.
func (s *Server) WithSubmitLimit(l SubmitLimiter, limit int, window time.Duration) *Server {
	if l != nil && limit > 0 {
		s.limiter, s.limit, s.window = l, limit, window
	}
	return s
}

// WithMessages localizes snapshot messages by ?lang= or Accept-Language.
func (s *Server) WithMessages(c *i18n.Catalog) *Server {
	s.messages = c
	return s
}

// RegisterAPIV1 mounts the tracker routes on r.
func RegisterAPIV1(r chi.Router, s *Server) {
	r.Get("/workflows", s.listWorkflows)
	r.Route("/workflows/{workflow}/jobs/{key}", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/", s.snapshot)
		r.Delete("/", s.reset)
		r.Get("/history", s.history)
	})
}

// ---- DTOs ----

type Handle struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type Snapshot struct {
	Workflow  string          `json:"workflow"`
	Key       string          `json:"key"`
	State     string          `json:"state"`
	Message   string          `json:"message"`
	Terminal  bool            `json:"terminal"`
	Handle    *Handle         `json:"handle,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	Version   uint64          `json:"version"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

type Record struct {
	HandleID    string          `json:"handle_id"`
	JobID       string          `json:"job_id"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

type errorBody struct {
	Error    string    `json:"error"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
}

func toSnapshot(s model.Snapshot) Snapshot {
	out := Snapshot{
		Workflow:  s.Workflow,
		Key:       s.Key,
		State:     string(s.State),
		Message:   s.Message,
		Terminal:  s.State.IsTerminal(),
		Payload:   s.Payload,
		Attempts:  s.Attempts,
		LastError: s.LastError,
		Version:   s.Version,
	}
	if s.Handle != nil {
		out.Handle = &Handle{ID: s.Handle.ID, JobID: s.Handle.JobID, SubmittedAt: s.Handle.SubmittedAt}
	}
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		out.UpdatedAt = &t
	}
	return out
}

func (s *Server) render(r *http.Request, snap model.Snapshot) Snapshot {
	dto := toSnapshot(snap)
	if s.messages == nil {
		return dto
	}
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = r.Header.Get("Accept-Language")
	}
	dto.Message = s.messages.Lookup(lang).StateMessage(snap.State)
	return dto
}

// ---- handlers ----

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"items": s.trackers.Workflows()})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	ctx, workflow, key := s.params(r)

	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, redis.SubmitKey(logging.Subject(ctx), workflow), s.limit, s.window)
		if err != nil {
			// fail open; the limiter is advisory
			logging.With(ctx, s.log).Warn().Err(err).Msg("submit rate limiter unavailable")
		} else if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many submissions"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "could not read body"})
		return
	}
	if len(body) > maxRequestBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body must be JSON"})
		return
	}

	snap, err := s.trackers.Submit(ctx, workflow, key, json.RawMessage(body))
	if err != nil {
		s.fail(r, w, err, &snap)
		return
	}
	writeJSON(w, http.StatusAccepted, s.render(r, snap))
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	ctx, workflow, key := s.params(r)
	snap, err := s.trackers.Snapshot(ctx, workflow, key)
	if err != nil {
		s.fail(r, w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.render(r, snap))
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	ctx, workflow, key := s.params(r)
	snap, err := s.trackers.Reset(ctx, workflow, key)
	if err != nil {
		s.fail(r, w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.render(r, snap))
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	ctx, workflow, key := s.params(r)
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be 1..100"})
			return
		}
		limit = n
	}
	recs, err := s.trackers.History(ctx, workflow, key, limit)
	if err != nil {
		s.fail(r, w, err, nil)
		return
	}
	items := make([]Record, 0, len(recs))
	for _, rec := range recs {
		items = append(items, Record{
			HandleID:    rec.HandleID,
			JobID:       rec.JobID,
			State:       string(rec.State),
			Attempts:    rec.Attempts,
			LastError:   rec.LastError,
			Payload:     rec.Payload,
			SubmittedAt: rec.SubmittedAt,
			FinishedAt:  rec.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]Record{"items": items})
}

func (s *Server) params(r *http.Request) (context.Context, string, string) {
	workflow := chi.URLParam(r, "workflow")
	key := chi.URLParam(r, "key")
	return logging.WithTracker(r.Context(), workflow, key), workflow, key
}

func (s *Server) fail(r *http.Request, w http.ResponseWriter, err error, snap *model.Snapshot) {
	ctx, _, _ := s.params(r)
	code := statusFor(err)
	body := errorBody{Error: err.Error()}
	if snap != nil && snap.Workflow != "" {
		dto := s.render(r, *snap)
		body.Snapshot = &dto
	}
	l := logging.With(ctx, s.log)
	if code >= 500 {
		l.Error().Err(err).Int("status", code).Msg("request failed")
	} else {
		l.Debug().Err(err).Int("status", code).Msg("request rejected")
	}
	writeJSON(w, code, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownWorkflow), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSubmissionRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTrackerClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
