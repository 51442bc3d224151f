/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"github.com/acronis/go-admission/httpserver"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/queue"
	"github.com/acronis/go-admission/ratelimit"
	"github.com/acronis/go-admission/service"
	"github.com/acronis/go-admission/stats"
)

// processorStopTimeout bounds waiting for in-flight handlers on graceful stop.
const processorStopTimeout = 30 * time.Second

// ServiceOpts contains optional parameters for constructing Service.
type ServiceOpts struct {
	// Backend is the durable queue engine. An in-memory backend is used if nil.
	Backend queue.Backend
	// ClassHandlers replace the routed HTTP handler for requests of the given classes.
	ClassHandlers map[string]Handler
	// InstanceID scopes queues of this process in a shared backend. A random id is used if empty.
	InstanceID string

	Stats                stats.Config
	// SystemReader samples process memory and CPU. procfs is used when available.
	SystemReader         stats.SystemReader
	PrometheusRegisterer prometheus.Registerer
	PollInterval         time.Duration

	// Clock drives ticket deadlines and latency measurement. time.Now is used if nil.
	Clock func() time.Time
	// BucketClock drives bucket refill. Clock is used if nil.
	BucketClock ratelimit.Clock
	Logger      log.FieldLogger
}

// Service owns all admission control state: buckets, queue classes with their processors and metrics.
// It is a service.Unit running the processors and the system sampler.
type Service struct {
	cfg        *Config
	instanceID string
	logger     log.FieldLogger
	registry   *ratelimit.Registry
	collector  *stats.Collector
	metrics    *stats.PrometheusMetrics
	backend    queue.Backend
	classes    []*queue.Class
	middleware *Middleware
	units      *service.CompositeUnit
}

var _ service.Unit = (*Service)(nil)
var _ service.MetricsRegisterer = (*Service)(nil)

// NewService creates a new Service.
// It returns *ratelimit.ConfigurationError for invalid bucket parameters.
func NewService(cfg *Config, opts ServiceOpts) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.BucketClock == nil {
		opts.BucketClock = opts.Clock
	}
	if opts.Backend == nil {
		opts.Backend = queue.NewMemoryBackend(opts.Clock)
	}
	if opts.SystemReader == nil {
		opts.SystemReader = stats.NewSystemReader(opts.Logger)
	}
	if opts.InstanceID == "" {
		opts.InstanceID = xid.New().String()
	}

	registry, err := ratelimit.NewRegistry(cfg.RateLimit, ratelimit.WithClock(opts.BucketClock))
	if err != nil {
		return nil, err
	}
	callers, err := newCallerResolver(cfg.Identity, cfg.ElevatedRoles)
	if err != nil {
		return nil, fmt.Errorf("create caller resolver: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		instanceID: opts.InstanceID,
		logger:     opts.Logger,
		registry:   registry,
		backend:    opts.Backend,
		collector: stats.NewCollector(stats.CollectorOpts{
			LatencyBufferSize: opts.Stats.LatencyBufferSize,
			SystemBufferSize:  opts.Stats.SystemBufferSize,
			SystemReader:      opts.SystemReader,
			Clock:             opts.Clock,
		}),
	}
	s.metrics = stats.NewPrometheusMetrics(stats.PrometheusMetricsOpts{
		Namespace:  opts.Stats.Namespace,
		Queues:     s.QueueStats,
		Registerer: opts.PrometheusRegisterer,
	})

	classes := make(map[string]*queue.Class, len(cfg.Classes))
	mux := make(queue.KindMux, len(cfg.Classes))
	units := make([]service.Unit, 0, len(cfg.Classes)+1)
	for _, clsCfg := range cfg.Classes {
		class, classErr := queue.NewClass(clsCfg.QueueClassConfig(), opts.Backend, queue.ClassOpts{
			Logger:     opts.Logger,
			Clock:      opts.Clock,
			InstanceID: opts.InstanceID,
		})
		if classErr != nil {
			return nil, fmt.Errorf("create queue class: %w", classErr)
		}
		if _, ok := classes[class.Name()]; ok {
			return nil, fmt.Errorf("duplicate queue class %q", class.Name())
		}
		classes[class.Name()] = class
		s.classes = append(s.classes, class)
		mux[class.Name()] = queue.HandlerFunc(executeRequest)
	}
	for name := range opts.ClassHandlers {
		if _, ok := classes[name]; !ok {
			return nil, fmt.Errorf("handler is set for unknown queue class %q", name)
		}
	}
	for _, class := range s.classes {
		processor := queue.NewProcessor(class, mux, queue.ProcessorOpts{
			PollInterval: opts.PollInterval,
			Logger:       opts.Logger,
		})
		units = append(units, service.NewWorkerUnit(processor, service.WorkerUnitOpts{
			GracefulStopTimeout: processorStopTimeout,
		}))
	}
	units = append(units, stats.NewSamplerUnit(s.collector, opts.Stats.SampleInterval, opts.Logger))
	s.units = service.NewCompositeUnit(units...)

	s.middleware = &Middleware{
		errorDomain:     cfg.ErrorDomain,
		queueingEnabled: cfg.QueueingEnabled,
		maxBodySize:     uint64(cfg.MaxBodySize),
		exempt:          newExemptMatcher(cfg.ExemptPaths, cfg.StaticAssetSuffixes),
		router:          newClassRouter(cfg.Classes),
		callers:         callers,
		rolePriorities:  normalizeRolePriorities(cfg.RolePriorities),
		registry:        registry,
		classes:         classes,
		classHandlers:   opts.ClassHandlers,
		collector:       s.collector,
		metrics:         s.metrics,
		now:             opts.Clock,
	}
	return s, nil
}

// normalizeRolePriorities lowercases role names, the middleware looks roles up in lower case.
func normalizeRolePriorities(rolePriorities map[string]int) map[string]int {
	res := make(map[string]int, len(rolePriorities))
	for role, bonus := range rolePriorities {
		res[strings.ToLower(role)] = bonus
	}
	return res
}

// executeRequest runs a queued request with the handler bound at admission time.
func executeRequest(_ context.Context, p queue.Payload) (queue.Result, error) {
	req, ok := p.Request.(*Request)
	if !ok {
		return nil, fmt.Errorf("unexpected payload of kind %q: %T", p.Kind, p.Request)
	}
	resp, err := req.handler.Handle(req.Context(), req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Middleware returns the admission control middleware.
func (s *Service) Middleware() func(http.Handler) http.Handler {
	return s.middleware.Wrap
}

// Registry returns the caller bucket registry.
func (s *Service) Registry() *ratelimit.Registry {
	return s.registry
}

// Collector returns the request and system metrics collector.
func (s *Service) Collector() *stats.Collector {
	return s.collector
}

// Metrics returns the Prometheus metrics of admission control.
func (s *Service) Metrics() *stats.PrometheusMetrics {
	return s.metrics
}

// Class returns the queue class by name, nil if there is no such class.
func (s *Service) Class(name string) *queue.Class {
	return s.middleware.classes[name]
}

// QueueStats returns counters of all queue classes in configuration order.
func (s *Service) QueueStats() []stats.QueueStats {
	res := make([]stats.QueueStats, 0, len(s.classes))
	for _, class := range s.classes {
		counts := class.Counts()
		res = append(res, stats.QueueStats{
			Name:      class.Name(),
			Waiting:   counts.Waiting,
			Active:    counts.Active,
			Completed: counts.Completed,
			Failed:    counts.Failed,
			Expired:   counts.Expired,
		})
	}
	return res
}

// Stats returns the collected metrics together with queue counters.
func (s *Service) Stats() stats.Stats {
	st := s.collector.Stats()
	st.Queues = s.QueueStats()
	return st
}

// HealthCheck reports connectivity of the queue backend.
// Requests keep being served while the backend is down, so a failed check is informational.
func (s *Service) HealthCheck(ctx context.Context) (httpserver.HealthCheckResult, error) {
	status := httpserver.HealthCheckStatusOK
	if pinger, ok := s.backend.(queue.Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logger.Warn("queue backend health check failed", log.Error(err))
			status = httpserver.HealthCheckStatusFail
		}
	}
	return httpserver.HealthCheckResult{"queue": status}, nil
}

// Start runs queue processors and the system sampler. It blocks until they are stopped.
func (s *Service) Start(fatalError chan<- error) {
	s.logger.Info("admission service is starting",
		log.String("instance_id", s.instanceID),
		log.Int("queue_classes", len(s.classes)),
		log.String("rate_limit_alg", string(s.registry.Alg())),
		log.Bool("queueing_enabled", s.cfg.QueueingEnabled),
	)
	s.units.Start(fatalError)
}

// Stop stops queue processors and the system sampler.
// Tickets still waiting in the queue are resolved by their deadlines.
func (s *Service) Stop(gracefully bool) error {
	return s.units.Stop(gracefully)
}

// MustRegisterMetrics implements service.MetricsRegisterer.
func (s *Service) MustRegisterMetrics() {
	s.metrics.MustRegisterMetrics()
}

// UnregisterMetrics implements service.MetricsRegisterer.
func (s *Service) UnregisterMetrics() {
	s.metrics.UnregisterMetrics()
}
