/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/acronis/go-admission/admission"
	"github.com/acronis/go-admission/httpserver"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/profserver"
	"github.com/acronis/go-admission/queue"
	"github.com/acronis/go-admission/service"
)

func newServeCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server with admission control in front of the API routes.

Configuration is read from the YAML file passed with --config and from environment
variables prefixed with ` + envVarsPrefix + `_ (e.g. ` + envVarsPrefix + `_QUEUE_BACKEND=redis).
SIGINT and SIGTERM stop the server gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadAppConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML configuration file")
	return cmd
}

func runServe(ctx context.Context, cfg *AppConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, loggerClose := log.NewLogger(cfg.Log)
	defer loggerClose()

	backend, err := queue.NewBackend(ctx, cfg.Queue, nil, logger)
	if err != nil {
		return fmt.Errorf("create queue backend: %w", err)
	}
	defer func() {
		if closeErr := queue.CloseBackend(context.Background(), backend); closeErr != nil {
			logger.Error("failed to close queue backend", log.Error(closeErr))
		}
	}()

	svc, err := admission.NewService(cfg.Admission, admission.ServiceOpts{
		Backend:      backend,
		Stats:        *cfg.Metrics,
		PollInterval: cfg.Queue.PollInterval,
		InstanceID:   cfg.Queue.InstanceID,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create admission service: %w", err)
	}

	units := []service.Unit{svc, makeHTTPServer(cfg, svc, logger)}
	if cfg.Profiling.Enabled {
		units = append(units, profserver.New(cfg.Profiling, logger, profserver.Opts{}))
	}
	return service.New(logger, service.NewCompositeUnit(units...)).Start(ctx)
}

func makeHTTPServer(cfg *AppConfig, svc *admission.Service, logger log.FieldLogger) *httpserver.HTTPServer {
	return httpserver.New(cfg.Server, logger, httpserver.Opts{
		ErrorDomain:    cfg.Admission.ErrorDomain,
		APIMiddlewares: []func(http.Handler) http.Handler{svc.Middleware()},
		APIRoutes: func(router chi.Router) {
			svc.RegisterRoutes(router)
			newClinicAPI(cfg.Admission.ErrorDomain).register(router)
		},
		HealthCheck: svc.HealthCheck,
	})
}
