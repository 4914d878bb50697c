package command

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/adhocteam/esi"
)

const maxLiteralLen = 40

// PrintDirectives writes the spans and directives of file, in sequence
// order, without fetching any fragment.
func PrintDirectives(ctx context.Context, file string, cfg esi.Config, w io.Writer) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	p := esi.NewProcessor(cfg)
	err = p.Scan(ctx, f, func(item esi.Item) error {
		_, err := fmt.Fprintln(w, formatItem(item))
		return err
	})
	if err != nil {
		return fmt.Errorf("scanning %q: %w", file, err)
	}
	return nil
}

func formatItem(item esi.Item) string {
	switch item := item.(type) {
	case esi.ByteSpan:
		s := string(item.Data)
		if len(s) > maxLiteralLen {
			s = s[:maxLiteralLen] + "..."
		}
		return fmt.Sprintf("%4d @%-6d \x1b[32m%q\x1b[0m", item.Seq, item.Offset, s)
	case *esi.Include:
		if item.Err != nil {
			return fmt.Sprintf("%4d @%-6d \x1b[31m%s (%v)\x1b[0m", item.Seq, item.Offset, item, item.Err)
		}
		return fmt.Sprintf("%4d @%-6d \x1b[33m%s\x1b[0m", item.Seq, item.Offset, item)
	case *esi.CommentRegion:
		return fmt.Sprintf("%4d @%-6d \x1b[34m%s\x1b[0m", item.Seq, item.Offset, item)
	case *esi.RemoveRegion:
		return fmt.Sprintf("%4d @%-6d \x1b[35m%s\x1b[0m", item.Seq, item.Offset, item)
	default:
		panic(fmt.Sprintf("unexpected item type %T", item))
	}
}
