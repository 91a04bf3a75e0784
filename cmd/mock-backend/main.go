// mock-backend serves the enrichment job API with scripted lifecycles so the
// tracker service and trackctl can run without the real backend.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"crm-enrichment/internal/config"
	"crm-enrichment/internal/infra/logging"
	"crm-enrichment/internal/infra/mockbackend"
)

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	token := flag.String("token", os.Getenv("ENRICHMENT_BACKEND_TOKEN"), "required bearer token, empty disables auth")
	cfgPath := flag.String("config", "", "optional service config to take workflow paths from")
	flag.Parse()

	logger := logging.New(config.LogConfig{Level: "info", Format: "console"}, true)

	workflows := config.DefaultWorkflows()
	if *cfgPath != "" {
		cfg, err := config.LoadConfig(*cfgPath, true)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *cfgPath).Msg("config")
		}
		workflows = cfg.Workflows
	}

	mock := mockbackend.New(workflows)
	mock.RequireBearerToken(*token)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           accessLog(mock.Handler(), logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	logger.Info().Str("addr", *addr).Strs("workflows", sortedNames(workflows)).Bool("auth", *token != "").Msg("mock backend listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("serve")
	}
}

func accessLog(next http.Handler, log *zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("request")
	})
}

func sortedNames(wfs map[string]config.WorkflowConfig) []string {
	cfg := config.Config{Workflows: wfs}
	return cfg.WorkflowNames()
}
