package command

import (
	"fmt"
	"log/slog"
	"os"
)

// Clean removes the HTML files a previous Build wrote to out.
func Clean(out string) error {
	logger := slog.Default()
	logger.Info("Cleaning", "out", out)
	if _, err := os.Stat(out); os.IsNotExist(err) {
		return nil
	}
	for file, err := range findHTMLFiles(out) {
		if err != nil {
			return fmt.Errorf("finding generated files in %q: %w", out, err)
		}
		logger.Info("Removing generated file", "file", file)
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("removing %q: %w", file, err)
		}
	}
	return nil
}
