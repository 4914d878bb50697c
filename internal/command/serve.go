package command

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/adhocteam/esi"
)

// ServeOptions configures the processing proxy.
type ServeOptions struct {
	// Origin is the base URL of the backend whose HTML is processed.
	Origin     string
	Port       string
	UnixSocket string

	// WriteTimeout bounds the time to write a whole response, fragments
	// included. Zero means no limit.
	WriteTimeout time.Duration
	Config       esi.Config
}

// Serve runs the processing proxy until ctx is done, then shuts it down
// gracefully.
func Serve(ctx context.Context, opts ServeOptions) error {
	logger := loggerFrom(opts.Config)

	origin, err := url.Parse(opts.Origin)
	if err != nil {
		return fmt.Errorf("parsing origin URL: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("origin URL %q must be absolute", opts.Origin)
	}

	var h http.Handler = &esi.Handler{
		Origin:    origin,
		Processor: esi.NewProcessor(opts.Config),
		Logger:    logger,
	}
	h = requestLogMiddleware(logger, h)
	h = panicRecoveryMiddleware(logger, h)

	mux := http.NewServeMux()
	mux.Handle("/", h)

	var ln net.Listener
	if opts.UnixSocket != "" {
		ln, err = net.Listen("unix", opts.UnixSocket)
	} else {
		ln, err = net.Listen("tcp", net.JoinHostPort("0.0.0.0", opts.Port))
	}
	if err != nil {
		return fmt.Errorf("getting a listener: %w", err)
	}
	defer ln.Close()

	srv := newServer(mux, opts)

	logger.Info("listening", "addr", ln.Addr().String(), "origin", origin.String())

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serving HTTP: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully, press Ctrl+C to force immediate")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newServer(h http.Handler, opts ServeOptions) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
		MaxHeaderBytes:    1 << 16,
	}
}
