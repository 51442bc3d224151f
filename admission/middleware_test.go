/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/httpserver"
	"github.com/acronis/go-admission/httpserver/middleware"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/log/logtest"
	"github.com/acronis/go-admission/queue"
	"github.com/acronis/go-admission/ratelimit"
	"github.com/acronis/go-admission/restapi"
	"github.com/acronis/go-admission/stats"
	"github.com/acronis/go-admission/testutil"
)

const testErrDomain = "Admission"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc     *Service
	backend *queue.MemoryBackend
	router  http.Handler
	logger  *logtest.Recorder
}

func newTestConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Classes = []ClassConfig{{
		Name:          "auth",
		MaxConcurrent: 2,
		Timeout:       5 * time.Second,
		Priority:      10,
		Routes:        []RouteConfig{{Path: "/api/v1/auth/*"}},
	}}
	return cfg
}

func newTestEnv(t *testing.T, cfg *Config, routes func(r chi.Router), opts ServiceOpts) *testEnv {
	t.Helper()
	backend := queue.NewMemoryBackend(nil)
	logger := logtest.NewRecorder()
	opts.Backend = backend
	opts.Logger = logger
	opts.PollInterval = 5 * time.Millisecond
	opts.PrometheusRegisterer = prometheus.NewRegistry()

	svc, err := NewService(cfg, opts)
	require.NoError(t, err)
	fatalErr := make(chan error, 1)
	go svc.Start(fatalErr)
	t.Cleanup(func() {
		require.NoError(t, svc.Stop(true))
		testutil.RequireNoErrorInChannel(t, fatalErr)
	})

	router := httpserver.NewRouter(logger, httpserver.RouterOpts{
		ErrorDomain:    cfg.ErrorDomain,
		APIMiddlewares: []func(http.Handler) http.Handler{svc.Middleware()},
		APIRoutes: func(r chi.Router) {
			svc.RegisterRoutes(r)
			if routes != nil {
				routes(r)
			}
		},
	})
	return &testEnv{svc: svc, backend: backend, router: router, logger: logger}
}

func (e *testEnv) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

type echoResponse struct {
	Action    string `json:"action"`
	Body      string `json:"body"`
	Query     string `json:"query"`
	User      string `json:"user"`
	RequestID string `json:"requestId"`
}

func echoRoutes(r chi.Router) {
	echo := func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		restapi.RespondJSON(rw, echoResponse{
			Action:    chi.URLParam(r, "action"),
			Body:      string(body),
			Query:     r.URL.Query().Get("q"),
			User:      r.Header.Get("X-User-ID"),
			RequestID: middleware.GetRequestIDFromContext(r.Context()),
		}, middleware.GetLoggerFromContextOrDisabled(r.Context()))
	}
	r.Post("/api/v1/auth/{action}", echo)
	r.Get("/api/v1/ping", echo)
	r.Get("/static/*", echo)
	r.Get("/assets/*", echo)
}

func decodeEcho(t *testing.T, resp *httptest.ResponseRecorder) echoResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var echo echoResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &echo))
	return echo
}

func TestMiddleware_QueuedRequest(t *testing.T) {
	env := newTestEnv(t, newTestConfig(), echoRoutes, ServiceOpts{})

	resp := env.do(http.MethodPost, "/api/v1/auth/login?q=42", `{"name":"alice"}`, map[string]string{
		"X-User-ID":                "user-1",
		middleware.HeaderRequestID: "req-1",
	})
	require.Equal(t, echoResponse{
		Action:    "login",
		Body:      `{"name":"alice"}`,
		Query:     "42",
		User:      "user-1",
		RequestID: "req-1",
	}, decodeEcho(t, resp))
	require.Equal(t, "req-1", resp.Header().Get(middleware.HeaderRequestID))

	require.Equal(t, queue.Counts{Completed: 1}, env.svc.Class("auth").Counts())
	st := env.svc.Stats()
	require.Equal(t, int64(1), st.Requests.Total)
	require.Equal(t, int64(1), st.Requests.Success)
	require.Equal(t, int64(0), st.Connections.Active)
	require.Equal(t, int64(1), st.Connections.Peak)
	testutil.RequireSamplesCountInHistogram(t, env.svc.Metrics().Durations, 1)
	require.Equal(t, 1, promtestutil.CollectAndCount(env.svc.Metrics().Durations))
	_, err := env.svc.Metrics().Durations.GetMetricWithLabelValues("auth", stats.OutcomeSuccess)
	require.NoError(t, err)
}

func TestMiddleware_UnmappedRouteIsDispatchedDirectly(t *testing.T) {
	env := newTestEnv(t, newTestConfig(), echoRoutes, ServiceOpts{})

	echo := decodeEcho(t, env.do(http.MethodGet, "/api/v1/ping?q=1", "", nil))
	require.Equal(t, "1", echo.Query)

	require.Equal(t, queue.Counts{}, env.svc.Class("auth").Counts())
	require.Equal(t, int64(1), env.svc.Stats().Requests.Success)
}

func TestMiddleware_QueueingDisabled(t *testing.T) {
	cfg := newTestConfig()
	cfg.QueueingEnabled = false
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{})

	echo := decodeEcho(t, env.do(http.MethodPost, "/api/v1/auth/login", "payload", nil))
	require.Equal(t, "payload", echo.Body)
	require.Equal(t, queue.Counts{}, env.svc.Class("auth").Counts())
	require.Equal(t, int64(1), env.svc.Stats().Requests.Total)
}

func TestMiddleware_RateLimited(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Capacity = 2
	cfg.RateLimit.RefillRate = 0.5
	clock := newFakeClock()
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{BucketClock: clock.Now})

	for i := 0; i < 2; i++ {
		decodeEcho(t, env.do(http.MethodGet, "/api/v1/ping", "", map[string]string{"X-User-ID": "user-1"}))
	}
	resp := env.do(http.MethodGet, "/api/v1/ping", "", map[string]string{"X-User-ID": "user-1"})
	errData := testutil.RequireErrorInRecorder(t, resp, http.StatusTooManyRequests, testErrDomain, restapi.ErrCodeTooManyRequests)
	require.Equal(t, "2", resp.Header().Get(HeaderRetryAfter))
	require.Equal(t, float64(2), errData.Context["retryAfter"])

	// Other callers have buckets of their own.
	decodeEcho(t, env.do(http.MethodGet, "/api/v1/ping", "", map[string]string{"X-User-ID": "user-2"}))

	require.Equal(t, float64(1), promtestutil.ToFloat64(env.svc.Metrics().RateLimited.WithLabelValues("standard")))
	st := env.svc.Stats()
	require.Equal(t, int64(4), st.Requests.Total)
	require.Equal(t, int64(1), st.Requests.Error)
}

func TestMiddleware_RateLimitedRequestIsNotEnqueued(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Capacity = 1
	clock := newFakeClock()
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{BucketClock: clock.Now})

	decodeEcho(t, env.do(http.MethodPost, "/api/v1/auth/login", "", nil))
	resp := env.do(http.MethodPost, "/api/v1/auth/login", "", nil)
	testutil.RequireErrorInRecorder(t, resp, http.StatusTooManyRequests, testErrDomain, restapi.ErrCodeTooManyRequests)
	require.Equal(t, queue.Counts{Completed: 1}, env.svc.Class("auth").Counts())
}

func TestMiddleware_ScenarioA(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Capacity = 5
	cfg.RateLimit.RefillRate = 1
	clock := newFakeClock()
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{BucketClock: clock.Now})

	get := func() int {
		return env.do(http.MethodGet, "/api/v1/ping", "", map[string]string{"X-User-ID": "user-1"}).Code
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, get(), "request %d", i+1)
	}
	require.Equal(t, http.StatusTooManyRequests, get())

	clock.Advance(2 * time.Second)
	require.Equal(t, http.StatusOK, get())
	require.Equal(t, http.StatusOK, get())
	require.Equal(t, http.StatusTooManyRequests, get())
}

func TestMiddleware_TierFairness(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Capacity = 5
	cfg.RateLimit.RefillRate = 1
	clock := newFakeClock()
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{BucketClock: clock.Now})

	standard := map[string]string{"X-User-ID": "patient-1"}
	elevated := map[string]string{"X-User-ID": "doctor-1", "X-User-Role": "Doctor"}
	var standardThrottledAt, elevatedThrottledAt int
	for i := 1; i <= 20; i++ {
		if standardThrottledAt == 0 && env.do(http.MethodGet, "/api/v1/ping", "", standard).Code == http.StatusTooManyRequests {
			standardThrottledAt = i
		}
		if elevatedThrottledAt == 0 && env.do(http.MethodGet, "/api/v1/ping", "", elevated).Code == http.StatusTooManyRequests {
			elevatedThrottledAt = i
		}
	}
	require.Equal(t, 6, standardThrottledAt)
	require.Equal(t, 11, elevatedThrottledAt)
	require.Equal(t, float64(1), promtestutil.ToFloat64(env.svc.Metrics().RateLimited.WithLabelValues("elevated")))
}

func TestMiddleware_ForwardedForDoesNotSplitBuckets(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Capacity = 1
	clock := newFakeClock()
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{BucketClock: clock.Now})

	admitted := 0
	for i := 0; i < 20; i++ {
		resp := env.do(http.MethodGet, "/api/v1/ping", "", map[string]string{"X-Forwarded-For": fmt.Sprintf("10.0.0.%d", i)})
		if resp.Code == http.StatusOK {
			admitted++
		}
	}
	require.Equal(t, 1, admitted)
	require.Equal(t, 1, env.svc.Registry().Len(ratelimit.TierStandard))
}

func TestMiddleware_ForwardedForFromTrustedProxy(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Capacity = 1
	cfg.Identity.TrustedProxies = []string{"192.0.2.0/24"} // httptest peer
	clock := newFakeClock()
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{BucketClock: clock.Now})

	for i := 0; i < 3; i++ {
		decodeEcho(t, env.do(http.MethodGet, "/api/v1/ping", "", map[string]string{"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", i)}))
	}
	resp := env.do(http.MethodGet, "/api/v1/ping", "", map[string]string{"X-Forwarded-For": "203.0.113.0"})
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, 3, env.svc.Registry().Len(ratelimit.TierStandard))
}

func TestMiddleware_ExemptPathsBypassAdmission(t *testing.T) {
	cfg := newTestConfig()
	cfg.RateLimit.Capacity = 1
	clock := newFakeClock()
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{BucketClock: clock.Now})

	for i := 0; i < 3; i++ {
		decodeEcho(t, env.do(http.MethodGet, "/static/app.js", "", nil))
		decodeEcho(t, env.do(http.MethodGet, "/assets/img/logo.PNG", "", nil))
	}
	require.Equal(t, int64(0), env.svc.Stats().Requests.Total)
	require.Equal(t, 0, promtestutil.CollectAndCount(env.svc.Metrics().Durations))

	// Suffix matching is anchored at the end of the path.
	decodeEcho(t, env.do(http.MethodGet, "/assets/app.js.map", "", nil))
	require.Equal(t, http.StatusTooManyRequests, env.do(http.MethodGet, "/assets/app.js.map", "", nil).Code)
	require.Equal(t, int64(2), env.svc.Stats().Requests.Total)
}

func TestMiddleware_PriorityByRole(t *testing.T) {
	cfg := newTestConfig()
	cfg.Classes[0].MaxConcurrent = 1
	cfg.RolePriorities = map[string]int{"Admin": 5}

	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var order []string
	routes := func(r chi.Router) {
		r.Post("/api/v1/auth/{action}", func(rw http.ResponseWriter, r *http.Request) {
			mu.Lock()
			order = append(order, r.Header.Get("X-User-ID"))
			mu.Unlock()
			if chi.URLParam(r, "action") == "block" {
				close(started)
				<-release
			}
			rw.WriteHeader(http.StatusNoContent)
		})
	}
	env := newTestEnv(t, cfg, routes, ServiceOpts{})
	class := env.svc.Class("auth")

	var wg sync.WaitGroup
	send := func(action, user, role string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := env.do(http.MethodPost, "/api/v1/auth/"+action, "", map[string]string{"X-User-ID": user, "X-User-Role": role})
			assert.Equal(t, http.StatusNoContent, resp.Code)
		}()
	}
	send("block", "blocker", "")
	<-started
	send("login", "patient", "")
	require.Eventually(t, func() bool { return class.Counts().Waiting == 1 }, 5*time.Second, 5*time.Millisecond)
	send("login", "admin", "admin")
	require.Eventually(t, func() bool { return class.Counts().Waiting == 2 }, 5*time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()
	require.Equal(t, []string{"blocker", "admin", "patient"}, order)
}

func TestMiddleware_QueueTimeout(t *testing.T) {
	cfg := newTestConfig()
	cfg.Classes[0].MaxConcurrent = 1
	cfg.Classes[0].Timeout = 100 * time.Millisecond

	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var executed []string
	routes := func(r chi.Router) {
		r.Post("/api/v1/auth/{action}", func(rw http.ResponseWriter, r *http.Request) {
			mu.Lock()
			executed = append(executed, chi.URLParam(r, "action"))
			mu.Unlock()
			if chi.URLParam(r, "action") == "block" {
				close(started)
				<-release
			}
			rw.WriteHeader(http.StatusNoContent)
		})
	}
	env := newTestEnv(t, cfg, routes, ServiceOpts{})

	blockerResp := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		blockerResp <- env.do(http.MethodPost, "/api/v1/auth/block", "", nil)
	}()
	<-started

	startTime := time.Now()
	resp := env.do(http.MethodPost, "/api/v1/auth/late", "", nil)
	testutil.RequireErrorInRecorder(t, resp, http.StatusServiceUnavailable, testErrDomain, restapi.ErrCodeQueueTimeout)
	require.Less(t, time.Since(startTime), 2*time.Second)

	// The claimed request is not interrupted, but its caller gets a timeout as well.
	testutil.RequireErrorInRecorder(t, <-blockerResp, http.StatusServiceUnavailable, testErrDomain, restapi.ErrCodeQueueTimeout)
	close(release)

	class := env.svc.Class("auth")
	require.Eventually(t, func() bool { return class.Counts().Expired == 2 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.backend.Len(class.QueueKey()) == 0 }, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"block"}, executed)
	mu.Unlock()
	require.Equal(t, queue.Counts{Expired: 2}, class.Counts())
}

func TestMiddleware_FailOpen(t *testing.T) {
	env := newTestEnv(t, newTestConfig(), echoRoutes, ServiceOpts{})
	env.backend.SetUnavailable(true)

	echo := decodeEcho(t, env.do(http.MethodPost, "/api/v1/auth/login?q=x", "secret", nil))
	require.Equal(t, echoResponse{Action: "login", Body: "secret", Query: "x", RequestID: echo.RequestID}, echo)

	require.Equal(t, float64(1), promtestutil.ToFloat64(env.svc.Metrics().FailOpen))
	require.Equal(t, queue.Counts{}, env.svc.Class("auth").Counts())
	entry, found := env.logger.FindEntry("queue backend is unavailable, dispatching request directly")
	require.True(t, found)
	require.Equal(t, log.LevelWarn, entry.Level)
	require.Equal(t, int64(1), env.svc.Stats().Requests.Success)
}

func TestMiddleware_FailOpenWithClassHandler(t *testing.T) {
	handler := HandlerFunc(func(_ context.Context, req *Request) (*Response, error) {
		return &Response{Status: http.StatusAccepted, Body: req.Body}, nil
	})
	env := newTestEnv(t, newTestConfig(), echoRoutes, ServiceOpts{ClassHandlers: map[string]Handler{"auth": handler}})
	env.backend.SetUnavailable(true)

	resp := env.do(http.MethodPost, "/api/v1/auth/login", "body", nil)
	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Equal(t, "body", resp.Body.String())
}

func TestMiddleware_ProcessingFailed(t *testing.T) {
	cfg := newTestConfig()
	cfg.Classes[0].MaxAttempts = 1
	handler := HandlerFunc(func(context.Context, *Request) (*Response, error) {
		return nil, errors.New("database is down")
	})
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{ClassHandlers: map[string]Handler{"auth": handler}})

	resp := env.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{middleware.HeaderRequestID: "req-42"})
	errData := testutil.RequireErrorInRecorder(t, resp, http.StatusInternalServerError, testErrDomain, restapi.ErrCodeProcessingFailed)
	require.Equal(t, map[string]interface{}{restapi.ErrContextCorrelationID: "req-42"}, errData.Context)
	require.NotContains(t, resp.Body.String(), "database")

	require.Equal(t, queue.Counts{Failed: 1}, env.svc.Class("auth").Counts())
	entry, found := env.logger.FindEntry("request processing failed")
	require.True(t, found)
	field, found := entry.FindField("correlation_id")
	require.True(t, found)
	require.Equal(t, "req-42", string(field.Bytes))
	require.Equal(t, int64(1), env.svc.Stats().Requests.Error)
}

func TestMiddleware_RetriesHandlerErrors(t *testing.T) {
	cfg := newTestConfig()
	cfg.Classes[0].RetryInitialInterval = 10 * time.Millisecond
	var mu sync.Mutex
	attempts := 0
	handler := HandlerFunc(func(_ context.Context, req *Request) (*Response, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("temporary failure")
		}
		return &Response{Status: http.StatusOK, Header: http.Header{"X-Attempts": {"3"}}, Body: []byte(req.Path)}, nil
	})
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{ClassHandlers: map[string]Handler{"auth": handler}})

	resp := env.do(http.MethodPost, "/api/v1/auth/login", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, "/api/v1/auth/login", resp.Body.String())
	require.Equal(t, "3", resp.Header().Get("X-Attempts"))
	mu.Lock()
	require.Equal(t, 3, attempts)
	mu.Unlock()
	require.Equal(t, queue.Counts{Completed: 1}, env.svc.Class("auth").Counts())
}

func TestMiddleware_RequestBodyTooLarge(t *testing.T) {
	cfg := newTestConfig()
	cfg.MaxBodySize = 4
	env := newTestEnv(t, cfg, echoRoutes, ServiceOpts{})

	resp := env.do(http.MethodPost, "/api/v1/auth/login", "too large body", nil)
	testutil.RequireErrorInRecorder(t, resp, http.StatusRequestEntityTooLarge, testErrDomain,
		restapi.ErrorCodeForStatus(http.StatusRequestEntityTooLarge))
	require.Equal(t, queue.Counts{}, env.svc.Class("auth").Counts())
}
