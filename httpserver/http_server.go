/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/service"
)

// Opts represents options for creating HTTPServer.
type Opts struct {
	ErrorDomain    string
	APIMiddlewares []func(http.Handler) http.Handler
	APIRoutes      func(router chi.Router)
	HealthCheck    HealthCheck
	MetricsHandler http.Handler
	// Listener is used instead of listening on Config.Address if set.
	Listener net.Listener
}

// HTTPServer is an http.Server with a chi router presented as a service.Unit.
type HTTPServer struct {
	HTTPServer      *http.Server
	HTTPRouter      chi.Router
	TLS             TLSConfig
	Logger          log.FieldLogger
	ShutdownTimeout time.Duration

	listener net.Listener
	port     atomic.Int32
	done     chan struct{}
}

var _ service.Unit = (*HTTPServer)(nil)

// New creates a new HTTPServer.
func New(cfg *Config, logger log.FieldLogger, opts Opts) *HTTPServer { //nolint:gocritic // opts are passed once
	router := NewRouter(logger, RouterOpts{
		ErrorDomain:    opts.ErrorDomain,
		APIMiddlewares: opts.APIMiddlewares,
		APIRoutes:      opts.APIRoutes,
		HealthCheck:    opts.HealthCheck,
		MetricsHandler: opts.MetricsHandler,
		Logging: middleware.LoggingOpts{
			RequestStart:         cfg.Log.RequestStart,
			ExcludedEndpoints:    cfg.Log.ExcludedEndpoints,
			SecretQueryParams:    cfg.Log.SecretQueryParams,
			SlowRequestThreshold: time.Duration(cfg.Log.SlowRequestThreshold),
		},
	})
	return &HTTPServer{
		HTTPServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			WriteTimeout:      time.Duration(cfg.Timeouts.Write),
			ReadTimeout:       time.Duration(cfg.Timeouts.Read),
			ReadHeaderTimeout: time.Duration(cfg.Timeouts.ReadHeader),
			IdleTimeout:       time.Duration(cfg.Timeouts.Idle),
		},
		HTTPRouter:      router,
		TLS:             cfg.TLS,
		Logger:          logger,
		ShutdownTimeout: time.Duration(cfg.Timeouts.Shutdown),
		listener:        opts.Listener,
		done:            make(chan struct{}),
	}
}

// Start serves HTTP requests and blocks until the server is stopped.
// Listening and serving errors are sent to fatalError.
func (s *HTTPServer) Start(fatalError chan<- error) {
	defer close(s.done)

	logger := s.Logger.With(
		log.String("address", s.HTTPServer.Addr),
		log.Duration("write_timeout", s.HTTPServer.WriteTimeout),
		log.Duration("read_timeout", s.HTTPServer.ReadTimeout),
		log.Duration("idle_timeout", s.HTTPServer.IdleTimeout),
		log.Duration("shutdown_timeout", s.ShutdownTimeout),
	)
	logger.Info("starting HTTP server...")

	if s.listener == nil {
		listener, err := net.Listen("tcp", s.HTTPServer.Addr)
		if err != nil {
			logger.Error("HTTP server listen error", log.Error(err))
			fatalError <- err
			return
		}
		s.listener = listener
	}
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		s.port.Store(int32(tcpAddr.Port))
	}

	var err error
	if s.TLS.Enabled {
		err = s.HTTPServer.ServeTLS(s.listener, s.TLS.Certificate, s.TLS.Key)
	} else {
		err = s.HTTPServer.Serve(s.listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server error", log.Error(err))
		fatalError <- err
		return
	}
	logger.Info("HTTP server closed")
}

// Stop stops the server. A graceful stop waits for in-flight requests up to ShutdownTimeout.
func (s *HTTPServer) Stop(gracefully bool) error {
	if !gracefully {
		s.Logger.Info("closing HTTP server...")
		if err := s.HTTPServer.Close(); err != nil {
			s.Logger.Error("HTTP server closing error", log.Error(err))
			return err
		}
		<-s.done
		return nil
	}

	ctx := context.Background()
	if s.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ShutdownTimeout)
		defer cancel()
	}
	s.Logger.Info("shutting down HTTP server...", log.Duration("timeout", s.ShutdownTimeout))
	if err := s.HTTPServer.Shutdown(ctx); err != nil {
		s.Logger.Error("HTTP server shutting down error", log.Error(err))
		return err
	}
	<-s.done
	s.Logger.Info("HTTP server shut down")
	return nil
}

// GetPort returns the TCP port the server listens on, 0 until it has started.
func (s *HTTPServer) GetPort() int {
	return int(s.port.Load())
}
