package esi

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
)

// Handler is a reverse proxy that runs HTML responses from its origin
// through a Processor on their way to the client. Other responses are
// copied unchanged.
type Handler struct {
	Origin    *url.URL
	Processor *Processor
	// Client sends requests to the origin. Defaults to http.DefaultClient.
	Client *http.Client
	Logger *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	outreq := r.Clone(r.Context())
	outreq.RequestURI = ""
	outreq.URL.Scheme = h.Origin.Scheme
	outreq.URL.Host = h.Origin.Host
	outreq.Host = h.Origin.Host
	// the processor needs the identity encoding; the transport negotiates
	// and undoes gzip by itself when the header is absent
	outreq.Header.Del("Accept-Encoding")
	outreq.Header.Del("Connection")

	resp, err := client.Do(outreq)
	if err != nil {
		logger.Error("requesting origin", "url", outreq.URL.String(), "err", err)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	if !isHTML(resp) {
		defer resp.Body.Close()
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			logger.Error("copying origin response", "url", outreq.URL.String(), "err", err)
		}
		return
	}

	// relative locators resolve against the origin, so fragments are fetched
	// from it directly instead of through this handler again
	if err := h.Processor.ProcessResponse(r.Context(), outreq, resp, w); err != nil {
		var ferr *FragmentError
		if errors.As(err, &ferr) {
			logger.Error("aborting response", "url", r.URL.String(), "src", ferr.Src, "err", ferr.Err)
		}
		// the status line and part of the body are already sent; abort the
		// connection so the client cannot mistake the prefix for the whole
		// document
		panic(http.ErrAbortHandler)
	}
}

func isHTML(resp *http.Response) bool {
	mediatype, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediatype == "text/html"
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	dst.Del("Connection")
	dst.Del("Keep-Alive")
	dst.Del("Transfer-Encoding")
}
