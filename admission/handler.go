/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Request is an admitted request handed to a business handler.
// It is detached from the HTTP connection: the handler may run after the caller stopped waiting.
type Request struct {
	Method      string
	Path        string
	Header      http.Header
	Body        []byte
	Query       url.Values
	RouteParams map[string]string
	Caller      Caller

	// ctx carries request-scoped values (logger, request id) without the caller's cancellation.
	ctx     context.Context
	handler Handler
}

// Context returns the context with request-scoped values of the originating HTTP request.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func newRequest(r *http.Request, body []byte, caller Caller, handler Handler) *Request {
	req := &Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		Header:      r.Header.Clone(),
		Body:        body,
		Query:       r.URL.Query(),
		RouteParams: routeParams(r),
		Caller:      caller,
		ctx:         context.WithoutCancel(r.Context()),
		handler:     handler,
	}
	return req
}

func routeParams(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || len(rctx.URLParams.Keys) == 0 {
		return nil
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		params[key] = rctx.URLParams.Values[i]
	}
	return params
}

// Response is the result of a business handler.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (resp *Response) write(rw http.ResponseWriter) {
	for key, values := range resp.Header {
		rw.Header()[key] = append([]string(nil), values...)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if len(resp.Body) != 0 {
		rw.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	rw.WriteHeader(status)
	if len(resp.Body) != 0 {
		_, _ = rw.Write(resp.Body)
	}
}

// Handler executes admitted requests.
// Returned errors are retried with backoff up to the class attempts limit.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc is an adapter to allow the use of ordinary functions as Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPHandler adapts a standard HTTP handler. The handler's response is buffered and
// an error status is returned as a regular Response, not as an error.
func HTTPHandler(next http.Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		r, err := req.newHTTPRequest(ctx)
		if err != nil {
			return nil, err
		}
		rb := &responseBuffer{header: make(http.Header)}
		next.ServeHTTP(rb, r)
		return rb.response(), nil
	})
}

func (r *Request) newHTTPRequest(ctx context.Context) (*http.Request, error) {
	u := &url.URL{Path: r.Path, RawQuery: r.Query.Encode()}
	httpReq, err := http.NewRequestWithContext(ctx, r.Method, u.String(), bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header = r.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	httpReq.Body = io.NopCloser(bytes.NewReader(r.Body))
	httpReq.ContentLength = int64(len(r.Body))

	// The router context of the original request is recycled once the caller returns,
	// so route params get a context of their own.
	rctx := chi.NewRouteContext()
	for key, value := range r.RouteParams {
		rctx.URLParams.Add(key, value)
	}
	return httpReq.WithContext(context.WithValue(httpReq.Context(), chi.RouteCtxKey, rctx)), nil
}

// responseBuffer is an http.ResponseWriter keeping the response in memory.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (rb *responseBuffer) Header() http.Header {
	return rb.header
}

func (rb *responseBuffer) WriteHeader(statusCode int) {
	if rb.status == 0 {
		rb.status = statusCode
	}
}

func (rb *responseBuffer) Write(p []byte) (int, error) {
	if rb.status == 0 {
		rb.status = http.StatusOK
	}
	return rb.body.Write(p)
}

func (rb *responseBuffer) response() *Response {
	status := rb.status
	if status == 0 {
		status = http.StatusOK
	}
	rb.header.Del("Content-Length")
	return &Response{Status: status, Header: rb.header, Body: rb.body.Bytes()}
}
