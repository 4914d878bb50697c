package command

import (
	"io"
	"log/slog"

	"github.com/adhocteam/esi"
)

// NewLogger returns a text logger for the command line, at debug level
// when verbose.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loggerFrom(cfg esi.Config) *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.Default()
}
