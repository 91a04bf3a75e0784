package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"crm-enrichment/internal/config"
	"crm-enrichment/internal/infra/api/apiv1"
	"crm-enrichment/internal/infra/i18n"
	"crm-enrichment/internal/usecase"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Trackers usecase.TrackerUseCase
	// Nil disables authentication.
	Auth    *AuthManager
	Limiter apiv1.SubmitLimiter
	// Nil keeps the built-in English state messages.
	Messages *i18n.Catalog
	Checks   map[string]HealthCheck
	Logger   *zerolog.Logger
}

// NewRouter builds the HTTP surface: /health and /metrics are open, /api/v1 needs a token.
func NewRouter(cfg config.APIConfig, d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		l := zerolog.Nop()
		log = &l
	}

	r := chi.NewRouter()
	r.Use(TraceID(log), Recover(log), RequestLog(log))

	r.Get("/health", health(d.Checks))
	r.Handle("/metrics", promhttp.Handler())

	v1 := apiv1.NewServer(d.Trackers, log).WithSubmitLimit(d.Limiter, cfg.SubmitLimit, cfg.SubmitWindow).
		WithMessages(d.Messages)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Timeout(cfg.Timeout), Auth(d.Auth, log))
		apiv1.RegisterAPIV1(r, v1)
	})
	return r
}

func health(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(ctx); err != nil {
				http.Error(w, fmt.Sprintf("%s: %v", name, err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// Server is the listening side of the router.
type Server struct {
	srv *http.Server
	log *zerolog.Logger
}

func NewServer(cfg config.APIConfig, handler http.Handler, log *zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
