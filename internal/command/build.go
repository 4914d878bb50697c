package command

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"path/filepath"
	"strings"

	"github.com/adhocteam/esi"
)

// Build renders every HTML page under root into the same relative path
// under out. Files already under out are skipped.
func Build(ctx context.Context, root, out string, cfg esi.Config) error {
	logger := loggerFrom(cfg)
	logger.Info("Building", "root", root, "out", out)

	absOut, err := filepath.Abs(out)
	if err != nil {
		return fmt.Errorf("resolving output directory: %w", err)
	}

	for file, err := range findHTMLFiles(root) {
		if err != nil {
			return fmt.Errorf("finding pages in %q: %w", root, err)
		}
		if abs, _ := filepath.Abs(file); strings.HasPrefix(abs, absOut+string(filepath.Separator)) {
			continue
		}
		rel, err := filepath.Rel(root, file)
		if err != nil {
			return fmt.Errorf("locating %q: %w", file, err)
		}
		target := filepath.Join(out, rel)
		opts := RenderOptions{Root: root, File: file, Config: cfg}
		if err := RenderFile(ctx, opts, target); err != nil {
			return fmt.Errorf("rendering %q: %w", file, err)
		}
		logger.Info("Rendered", "source", file, "target", target)
	}

	return nil
}

// findHTMLFiles yields the HTML files under root. A walk error is yielded
// once and ends the walk.
func findHTMLFiles(root string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				yield("", err)
				return filepath.SkipAll
			}

			if !d.IsDir() && (filepath.Ext(path) == ".html" || filepath.Ext(path) == ".htm") {
				if !yield(path, nil) {
					return filepath.SkipAll
				}
			}

			return nil
		})
	}
}
