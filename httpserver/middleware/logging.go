/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/acronis/go-admission/log"
)

// LoggingSecretQueryPlaceholder replaces values of secret query parameters in logs.
const LoggingSecretQueryPlaceholder = "_HIDDEN_"

const (
	headerForwardedFor = "X-Forwarded-For"
	headerRealIP       = "X-Real-IP"

	defaultSlowRequestThreshold = time.Second
)

// LoggingOpts represents options for Logging middleware.
type LoggingOpts struct {
	RequestStart      bool
	ExcludedEndpoints []string
	SecretQueryParams []string
	// SlowRequestThreshold controls when the "time_slots" field group is added to the final message.
	SlowRequestThreshold time.Duration
}

type loggingHandler struct {
	next   http.Handler
	logger log.FieldLogger
	opts   LoggingOpts
}

// Logging is a middleware that logs every request once it's completed.
// It puts a logger with request ids in fields into the request context.
func Logging(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return LoggingWithOpts(logger, LoggingOpts{})
}

// LoggingWithOpts is a more configurable version of Logging middleware.
func LoggingWithOpts(logger log.FieldLogger, opts LoggingOpts) func(next http.Handler) http.Handler {
	if opts.SlowRequestThreshold == 0 {
		opts.SlowRequestThreshold = defaultSlowRequestThreshold
	}
	return func(next http.Handler) http.Handler {
		return &loggingHandler{next: next, logger: logger, opts: opts}
	}
}

func (h *loggingHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := GetRequestStartTimeFromContext(ctx)
	if startTime.IsZero() {
		startTime = time.Now()
		ctx = NewContextWithRequestStartTime(ctx, startTime)
	}

	loggerForNext := h.logger.With(
		log.String("request_id", GetRequestIDFromContext(ctx)),
		log.String("int_request_id", GetInternalRequestIDFromContext(ctx)),
	)
	logFields := []log.Field{
		log.String("method", r.Method),
		log.String("uri", h.makeURIToLog(r)),
		log.String("remote_addr", r.RemoteAddr),
		log.Int64("content_length", r.ContentLength),
		log.String("user_agent", r.UserAgent()),
	}
	if originAddr := OriginAddr(r); originAddr != "" {
		logFields = append(logFields, log.String("origin_addr", originAddr))
	}
	logger := loggerForNext.With(logFields...)

	noLog := h.isExcluded(r.URL.Path)
	if h.opts.RequestStart && !noLog {
		logger.Info("request started")
	}

	lp := &LoggingParams{}
	r = r.WithContext(NewContextWithLoggingParams(NewContextWithLogger(ctx, loggerForNext), lp))
	wrw := WrapResponseWriterIfNeeded(rw)
	h.next.ServeHTTP(wrw, r)

	if noLog && wrw.Status() < http.StatusBadRequest {
		return
	}
	duration := time.Since(startTime)
	slow := duration >= h.opts.SlowRequestThreshold
	if slow {
		lp.AddTimeSlotDurationInMs("writing_response_ms", wrw.ElapsedTime())
	}
	status := wrw.Status()
	if status == 0 {
		status = http.StatusOK
	}
	logger.Info(
		fmt.Sprintf("response completed in %.3fs", duration.Seconds()),
		append([]log.Field{
			log.Int64("duration_ms", duration.Milliseconds()),
			log.Int("status", status),
			log.Int("bytes_sent", wrw.BytesWritten()),
		}, lp.logFields(slow)...)...,
	)
}

func (h *loggingHandler) makeURIToLog(r *http.Request) string {
	if len(h.opts.SecretQueryParams) == 0 || r.URL.RawQuery == "" {
		return r.RequestURI
	}
	queryValues := r.URL.Query()
	for _, k := range h.opts.SecretQueryParams {
		vals := queryValues[k]
		for i := range vals {
			if vals[i] != "" {
				vals[i] = LoggingSecretQueryPlaceholder
			}
		}
	}
	return r.URL.Path + "?" + queryValues.Encode()
}

func (h *loggingHandler) isExcluded(urlPath string) bool {
	for _, endpoint := range h.opts.ExcludedEndpoints {
		if urlPath == endpoint {
			return true
		}
	}
	return false
}

// OriginAddr returns the client address from X-Forwarded-For (the first hop) or X-Real-IP, "" if neither is set.
func OriginAddr(r *http.Request) string {
	if forwardFor := r.Header.Get(headerForwardedFor); forwardFor != "" {
		if first := strings.IndexByte(forwardFor, ','); first != -1 {
			forwardFor = forwardFor[:first]
		}
		return strings.TrimSpace(forwardFor)
	}
	return strings.TrimSpace(r.Header.Get(headerRealIP))
}
