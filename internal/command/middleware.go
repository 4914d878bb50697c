package command

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"
)

func panicRecoveryMiddleware(logger *slog.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(v)
				}
				logger.Error("recovered from panic in an HTTP handler", "panic", v, "stack", string(debug.Stack()))
				http.Error(w, http.StatusText(500), 500)
			}
		}()
		h.ServeHTTP(w, r)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	code  int
	wrote bool
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{ResponseWriter: w, code: 200}
}

func (w *loggingResponseWriter) WriteHeader(statusCode int) {
	if w.wrote {
		return
	}
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
	w.wrote = true
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(p)
}

func (w *loggingResponseWriter) Flush() {
	if fl, ok := w.ResponseWriter.(http.Flusher); ok {
		w.wrote = true
		fl.Flush()
	}
}

func requestLogMiddleware(logger *slog.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()
		lwr := newLoggingResponseWriter(w)
		defer func() {
			logger.Info("request", "method", r.Method, "url", r.URL.String(), "status", lwr.code, "duration", time.Since(t0))
		}()
		h.ServeHTTP(lwr, r)
	})
}
