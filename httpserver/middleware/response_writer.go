/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"time"
)

// WrapResponseWriter is an http.ResponseWriter that remembers the status and the size of the response.
type WrapResponseWriter interface {
	http.ResponseWriter
	// Status returns the written status code, 200 if the handler wrote the body without calling WriteHeader,
	// 0 if nothing was written yet.
	Status() int
	BytesWritten() int
	// ElapsedTime returns the time spent in Write calls.
	ElapsedTime() time.Duration
	Unwrap() http.ResponseWriter
}

type wrapResponseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int
	elapsed      time.Duration
}

// NewWrapResponseWriter wraps rw.
func NewWrapResponseWriter(rw http.ResponseWriter) WrapResponseWriter {
	return &wrapResponseWriter{ResponseWriter: rw}
}

// WrapResponseWriterIfNeeded wraps rw unless it's already wrapped.
func WrapResponseWriterIfNeeded(rw http.ResponseWriter) WrapResponseWriter {
	if wrw, ok := rw.(WrapResponseWriter); ok {
		return wrw
	}
	return NewWrapResponseWriter(rw)
}

func (w *wrapResponseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrapResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	start := time.Now()
	n, err := w.ResponseWriter.Write(b)
	w.elapsed += time.Since(start)
	w.bytesWritten += n
	return n, err
}

// Flush implements http.Flusher if the underlying writer does.
func (w *wrapResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if w.status == 0 {
			w.status = http.StatusOK
		}
		f.Flush()
	}
}

func (w *wrapResponseWriter) Status() int                 { return w.status }
func (w *wrapResponseWriter) BytesWritten() int           { return w.bytesWritten }
func (w *wrapResponseWriter) ElapsedTime() time.Duration  { return w.elapsed }
func (w *wrapResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
