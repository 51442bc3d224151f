/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package profserver

import (
	"net"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/acronis/go-admission/httpserver"
	"github.com/acronis/go-admission/log"
)

// PathPrefix is where pprof handlers are mounted.
const PathPrefix = "/debug"

// Opts represents options for creating the profiling server.
type Opts struct {
	// Listener is used instead of listening on Config.Address if set.
	Listener net.Listener
}

// New creates an HTTP server exposing pprof under /debug/pprof/.
// It is served apart from the API so that profiling traffic never competes with admitted requests.
func New(cfg *Config, logger log.FieldLogger, opts Opts) *httpserver.HTTPServer {
	srvCfg := httpserver.NewDefaultConfig()
	srvCfg.Address = cfg.Address
	srvCfg.Timeouts.Write = 0 // CPU profiles and traces stream for as long as requested.
	srvCfg.Log.RequestStart = true
	return httpserver.New(srvCfg, logger.With(log.String("server", "profiling")), httpserver.Opts{
		APIRoutes: func(router chi.Router) {
			router.Mount(PathPrefix, chimiddleware.Profiler())
		},
		Listener: opts.Listener,
	})
}
