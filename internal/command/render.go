package command

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/adhocteam/esi"
	"github.com/adhocteam/esi/internal/watch"
)

// RenderOptions describes a local document to process.
type RenderOptions struct {
	// Root is the directory fragment locators resolve in. A locator like
	// "/header.html" names Root/header.html.
	Root string
	File string
	// Config is passed on to the processor. Its Fetcher defaults to one that
	// serves file URLs from Root and everything else over the network.
	Config esi.Config
}

// Render processes opts.File and writes the output to w.
func Render(ctx context.Context, opts RenderOptions, w io.Writer) error {
	f, err := os.Open(opts.File)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	req, err := pageRequest(ctx, opts.Root, opts.File)
	if err != nil {
		return err
	}
	cfg := opts.Config
	if cfg.Fetcher == nil {
		cfg.Fetcher = fileFetcher(opts.Root)
	}
	if err := esi.NewProcessor(cfg).Process(ctx, req, f, w); err != nil {
		return fmt.Errorf("processing %q: %w", opts.File, err)
	}
	return nil
}

// RenderFile renders opts.File into the file at target, or to stdout when
// target is empty.
func RenderFile(ctx context.Context, opts RenderOptions, target string) error {
	if target == "" {
		return Render(ctx, opts, os.Stdout)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	renderErr := Render(ctx, opts, out)
	if err := out.Close(); err != nil && renderErr == nil {
		return fmt.Errorf("closing output file: %w", err)
	}
	return renderErr
}

// Watch renders opts.File to target, then renders it again every time a
// file under opts.Root changes, until ctx is done. Render errors are logged
// and do not stop watching.
func Watch(ctx context.Context, opts RenderOptions, target string) error {
	logger := loggerFrom(opts.Config)
	var mu sync.Mutex
	render := func() {
		mu.Lock()
		defer mu.Unlock()
		if err := RenderFile(ctx, opts, target); err != nil {
			logger.Error("rendering", "file", opts.File, "err", err)
			return
		}
		logger.Info("Rendered", "file", opts.File, "target", target)
	}

	render()
	abs, _ := filepath.Abs(target)
	return watch.Dir(ctx, opts.Root, watch.DefaultInterval, logger, func(path string) {
		if p, _ := filepath.Abs(path); target != "" && p == abs {
			return
		}
		logger.Info("change detected, rendering", "path", path)
		render()
	})
}

// pageRequest is the request the document is rendered for: a file URL
// relative to root, so that relative locators resolve next to the file.
func pageRequest(ctx context.Context, root, file string) (*http.Request, error) {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return nil, fmt.Errorf("locating %q in %q: %w", file, root, err)
	}
	u := &url.URL{Scheme: "file", Path: "/" + filepath.ToSlash(rel)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building page request: %w", err)
	}
	return req, nil
}

// fileFetcher serves file URLs from the files under root and sends
// everything else over the network.
func fileFetcher(root string) esi.Fetcher {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.RegisterProtocol("file", http.NewFileTransport(http.Dir(root)))
	return &http.Client{Transport: t}
}
