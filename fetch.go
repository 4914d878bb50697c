package esi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/net/html"
)

var defaultBaseURL = &url.URL{Scheme: "http", Host: "localhost", Path: "/"}

// request headers that describe the client's own request or connection
// rather than the content it wants, so they are not copied onto fragment
// requests.
var dropHeaders = []string{
	"Accept-Encoding",
	"Connection",
	"Content-Length",
	"Content-Type",
	"If-Match",
	"If-Modified-Since",
	"If-None-Match",
	"If-Range",
	"If-Unmodified-Since",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Range",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// requestBase returns the absolute URL that relative locators resolve
// against. Server requests usually carry only a path in URL, so the scheme
// and host are taken from the connection.
func requestBase(req *http.Request) *url.URL {
	if req == nil || req.URL == nil {
		return defaultBaseURL
	}
	if req.URL.IsAbs() {
		return req.URL
	}
	u := *req.URL
	u.Scheme = "http"
	if req.TLS != nil {
		u.Scheme = "https"
	}
	u.Host = req.Host
	if u.Host == "" {
		u.Host = defaultBaseURL.Host
	}
	return &u
}

// newFragmentRequest builds the GET request for locator, carrying the
// headers of the original client request (if any).
func newFragmentRequest(ctx context.Context, orig *http.Request, locator string, unescape bool) (*http.Request, error) {
	if unescape {
		locator = html.UnescapeString(locator)
	}
	ref, err := url.Parse(locator)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidLocator, locator, err)
	}
	u := requestBase(orig).ResolveReference(ref)
	if u.Scheme != "file" && u.Host == "" {
		return nil, fmt.Errorf("%w %q: no host", ErrInvalidLocator, locator)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidLocator, locator, err)
	}
	if orig != nil {
		req.Header = orig.Header.Clone()
		if req.Header == nil {
			req.Header = make(http.Header)
		}
		for _, h := range dropHeaders {
			req.Header.Del(h)
		}
	}
	return req, nil
}

// sendFragmentRequest performs req with the configured fetcher and returns
// the body of a 2xx response.
func sendFragmentRequest(cfg *Config, req *http.Request) ([]byte, error) {
	resp, err := cfg.Fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request for %s: %w", req.URL, err)
	}
	if cfg.ProcessFragmentResponse != nil {
		processed, err := cfg.ProcessFragmentResponse(req, resp)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("processing response for %s: %w", req.URL, err)
		}
		if processed != resp {
			resp.Body.Close()
		}
		resp = processed
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response for %s: %w", req.URL, err)
	}
	return body, nil
}
