/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/acronis/go-admission/log"
)

// Service starts a unit and stops it gracefully on a shutdown signal or context cancellation.
type Service struct {
	Unit            Unit
	Logger          log.FieldLogger
	ShutdownSignals []os.Signal
	signals         chan os.Signal
}

// New creates a new Service that stops on SIGINT and SIGTERM.
func New(logger log.FieldLogger, unit Unit) *Service {
	return &Service{
		Unit:            unit,
		Logger:          logger,
		ShutdownSignals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		signals:         make(chan os.Signal, 1),
	}
}

// Start runs the service until ctx is canceled, a shutdown signal is received or the unit fails.
func (s *Service) Start(ctx context.Context) error {
	if mr, ok := s.Unit.(MetricsRegisterer); ok {
		mr.MustRegisterMetrics()
		defer mr.UnregisterMetrics()
	}

	fatalError := make(chan error, 1)
	go s.Unit.Start(fatalError)

	signal.Notify(s.signals, s.ShutdownSignals...)
	defer signal.Stop(s.signals)

	select {
	case <-ctx.Done():
		s.Logger.Info("context is canceled, service will be stopped")
	case sig := <-s.signals:
		s.Logger.Info("service got signal", log.String("signal", sig.String()))
	case err := <-fatalError:
		s.Logger.Error("service fatal error", log.Error(err))
		return fmt.Errorf("fatal error: %w", err)
	}
	if err := s.Unit.Stop(true); err != nil {
		return fmt.Errorf("stop service gracefully: %w", err)
	}
	return nil
}
