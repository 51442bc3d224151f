/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/queue"
	"github.com/acronis/go-admission/ratelimit"
	"github.com/acronis/go-admission/restapi"
	"github.com/acronis/go-admission/stats"
)

// HeaderRetryAfter is a header with the number of seconds a rate limited caller should wait.
const HeaderRetryAfter = "Retry-After"

const errContextRetryAfter = "retryAfter"

// Middleware is an HTTP middleware implementing admission control:
// per-caller rate limiting, then queueing of requests of mapped routes into priority classes.
type Middleware struct {
	errorDomain     string
	queueingEnabled bool
	maxBodySize     uint64
	exempt          *exemptMatcher
	router          *classRouter
	callers         *callerResolver
	rolePriorities  map[string]int
	registry        *ratelimit.Registry
	classes         map[string]*queue.Class
	classHandlers   map[string]Handler
	collector       *stats.Collector
	metrics         *stats.PrometheusMetrics
	now             func() time.Time
}

// Wrap returns the handler with admission control applied.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return &admissionHandler{next: next, m: m}
}

type admissionHandler struct {
	next http.Handler
	m    *Middleware
}

// requestOutcome is filled while a request passes admission and reported once it is done.
type requestOutcome struct {
	class   string
	outcome string // empty means it is derived from the response status
}

func (h *admissionHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	m := h.m
	if m.exempt.match(r.URL.Path) {
		h.next.ServeHTTP(rw, r)
		return
	}

	startTime := m.now()
	m.collector.RecordRequestStart()
	m.metrics.InFlight.Inc()
	wrw := middleware.WrapResponseWriterIfNeeded(rw)
	res := requestOutcome{class: stats.ClassDirect}
	defer func() {
		if p := recover(); p != nil {
			res.outcome = stats.OutcomeError
			m.report(wrw, res, m.now().Sub(startTime))
			panic(p)
		}
		m.report(wrw, res, m.now().Sub(startTime))
	}()

	logger := middleware.GetLoggerFromContextOrDisabled(r.Context())
	caller := m.callers.resolve(r)
	if lp := middleware.GetLoggingParamsFromContext(r.Context()); lp != nil {
		lp.ExtendFields(log.String("caller_id", caller.ID), log.String("caller_tier", caller.Tier.String()))
	}

	if allow, retryAfter := m.registry.Allow(caller.ID, caller.Tier); !allow {
		res.outcome = stats.OutcomeRateLimited
		m.metrics.RateLimited.WithLabelValues(caller.Tier.String()).Inc()
		m.respondRateLimited(wrw, retryAfter, logger)
		return
	}

	var class *queue.Class
	if m.queueingEnabled {
		class = m.classes[m.router.classFor(r)]
	}
	if class == nil {
		h.next.ServeHTTP(wrw, r)
		return
	}
	res.class = class.Name()

	body, err := restapi.ReadRequestBody(wrw, r, m.maxBodySize)
	if err != nil {
		res.outcome = stats.OutcomeError
		restapi.RespondMalformedRequestOrInternalError(wrw, m.errorDomain, err, logger)
		return
	}
	req := newRequest(r, body, caller, h.handlerFor(class.Name()))

	res.outcome = h.serveQueued(wrw, r, class, req, logger)
}

// serveQueued enqueues the request into the class and writes the result. It returns the outcome
// or "" when it is derived from the response status.
func (h *admissionHandler) serveQueued(
	rw http.ResponseWriter, r *http.Request, class *queue.Class, req *Request, logger log.FieldLogger,
) string {
	m := h.m
	priority := class.Config().Priority + m.rolePriorities[strings.ToLower(req.Caller.Role)]
	future, err := class.Enqueue(r.Context(), queue.Payload{Kind: class.Name(), Request: req}, priority)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueUnavailable):
			// Availability wins over admission: the request is dispatched without queueing.
			logger.Warn("queue backend is unavailable, dispatching request directly",
				log.String("queue_class", class.Name()), log.Error(err))
			m.metrics.FailOpen.Inc()
			h.dispatchDirect(rw, r, class.Name(), req, logger)
			return ""
		case errors.Is(err, queue.ErrClassStopped):
			m.respondQueueTimeout(rw, logger)
			return stats.OutcomeQueueTimeout
		default:
			logger.Error("failed to enqueue request", log.String("queue_class", class.Name()), log.Error(err))
			restapi.RespondInternalError(rw, m.errorDomain, logger)
			return stats.OutcomeError
		}
	}

	result, err := future.Wait(r.Context())
	if err == nil {
		resp, ok := result.(*Response)
		if !ok || resp == nil {
			resp = &Response{Status: http.StatusNoContent}
		}
		resp.write(rw)
		return ""
	}

	var procErr *queue.ProcessingError
	switch {
	case errors.Is(err, queue.ErrQueueTimeout):
		m.respondQueueTimeout(rw, logger)
		return stats.OutcomeQueueTimeout
	case errors.As(err, &procErr):
		correlationID := middleware.GetRequestIDFromContext(r.Context())
		logger.Error("request processing failed",
			log.String("queue_class", procErr.Class),
			log.String("ticket_id", future.TicketID()),
			log.Int("attempts", procErr.Attempts),
			log.String("correlation_id", correlationID),
			log.Error(procErr.Cause),
		)
		apiErr := restapi.NewError(m.errorDomain, restapi.ErrCodeProcessingFailed, restapi.ErrMessageProcessingFailed)
		if correlationID != "" {
			apiErr.AddContext(restapi.ErrContextCorrelationID, correlationID)
		}
		restapi.RespondError(rw, http.StatusInternalServerError, apiErr, logger)
		return stats.OutcomeProcessingError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("caller stopped waiting for queued request", log.String("queue_class", class.Name()), log.Error(err))
		return stats.OutcomeError
	default:
		logger.Error("queued request failed", log.String("queue_class", class.Name()), log.Error(err))
		restapi.RespondInternalError(rw, m.errorDomain, logger)
		return stats.OutcomeError
	}
}

func (h *admissionHandler) handlerFor(class string) Handler {
	if handler, ok := h.m.classHandlers[class]; ok {
		return handler
	}
	return HTTPHandler(h.next)
}

// dispatchDirect runs an already admitted request bypassing the queue.
func (h *admissionHandler) dispatchDirect(
	rw http.ResponseWriter, r *http.Request, class string, req *Request, logger log.FieldLogger,
) {
	if _, ok := h.m.classHandlers[class]; !ok {
		r.Body = io.NopCloser(bytes.NewReader(req.Body))
		r.ContentLength = int64(len(req.Body))
		h.next.ServeHTTP(rw, r)
		return
	}
	resp, err := req.handler.Handle(req.Context(), req)
	if err != nil {
		logger.Error("request processing failed", log.Error(err))
		restapi.RespondInternalError(rw, h.m.errorDomain, logger)
		return
	}
	if resp == nil {
		resp = &Response{Status: http.StatusNoContent}
	}
	resp.write(rw)
}

func (m *Middleware) respondRateLimited(rw http.ResponseWriter, retryAfter time.Duration, logger log.FieldLogger) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	rw.Header().Set(HeaderRetryAfter, strconv.Itoa(secs))
	apiErr := restapi.NewError(m.errorDomain, restapi.ErrCodeTooManyRequests, restapi.ErrMessageTooManyRequests).
		AddContext(errContextRetryAfter, secs)
	restapi.RespondError(rw, http.StatusTooManyRequests, apiErr, logger)
}

func (m *Middleware) respondQueueTimeout(rw http.ResponseWriter, logger log.FieldLogger) {
	apiErr := restapi.NewError(m.errorDomain, restapi.ErrCodeQueueTimeout, restapi.ErrMessageQueueTimeout)
	restapi.RespondError(rw, http.StatusServiceUnavailable, apiErr, logger)
}

func (m *Middleware) report(wrw middleware.WrapResponseWriter, res requestOutcome, elapsed time.Duration) {
	status := wrw.Status()
	ok := status < http.StatusBadRequest
	if res.outcome != "" && res.outcome != stats.OutcomeSuccess {
		ok = false
	}
	outcome := res.outcome
	if outcome == "" {
		outcome = stats.OutcomeSuccess
		if !ok {
			outcome = stats.OutcomeError
		}
	}
	m.collector.RecordRequestEnd(ok, elapsed)
	m.metrics.ObserveRequest(res.class, outcome, elapsed)
	m.metrics.InFlight.Dec()
}
