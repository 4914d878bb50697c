package esi

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// scheduler receives the interpreter's output for one document, adds a
// slot for every span and directive, and starts a fetch for every include
// without waiting for earlier ones. Each fetch resolves its own slot.
type scheduler struct {
	proc   *Processor
	cfg    *Config
	logger *slog.Logger
	// the original client request, may be nil
	orig *http.Request
	// nesting depth of the document being processed; 0 for the source
	depth int

	g      *errgroup.Group
	seq    *sequencer
	flight singleflight.Group
}

func (s *scheduler) span(ctx context.Context, span ByteSpan) error {
	return s.seq.literal(ctx, span)
}

func (s *scheduler) directive(ctx context.Context, d Directive) error {
	switch d := d.(type) {
	case *Include:
		return s.dispatch(ctx, d)
	case *CommentRegion, *RemoveRegion:
		s.logger.Debug("stripping directive", "directive", d.String(), "seq", d.Sequence())
		return s.seq.literal(ctx, ByteSpan{Seq: d.Sequence()})
	default:
		panic(fmt.Sprintf("unexpected directive type %T", d))
	}
}

// dispatch adds the slot for inc and starts resolving it. Malformed
// includes are resolved immediately, without a fetch.
func (s *scheduler) dispatch(ctx context.Context, inc *Include) error {
	sl, err := s.seq.add(ctx, inc.Seq)
	if err != nil {
		return err
	}

	err = inc.Err
	if err == nil && s.depth+1 > s.cfg.MaxIncludeDepth {
		err = fmt.Errorf("%w (%d)", ErrIncludeDepth, s.cfg.MaxIncludeDepth)
	}
	if err != nil {
		s.seq.resolve(sl, s.fail(inc, err))
		return nil
	}

	s.logger.Debug("dispatching fragment request", "src", inc.Src, "seq", inc.Seq, "depth", s.depth+1)
	s.g.Go(func() error {
		s.seq.resolve(sl, s.resolve(ctx, inc))
		return nil
	})
	return nil
}

// resolve fetches the include, falling back to its alt locator, and applies
// the onerror policy when both fail.
func (s *scheduler) resolve(ctx context.Context, inc *Include) FetchOutcome {
	body, err := s.fragment(ctx, inc.Src)
	if err == nil {
		return FetchOutcome{Body: body}
	}
	if inc.HasAlt {
		s.logger.Debug("fragment request failed, trying alt", "src", inc.Src, "alt", inc.Alt, "err", err)
		body, altErr := s.fragment(ctx, inc.Alt)
		if altErr == nil {
			return FetchOutcome{Body: body}
		}
		err = fmt.Errorf("%w; alt %q: %w", err, inc.Alt, altErr)
	}
	return s.fail(inc, err)
}

func (s *scheduler) fail(inc *Include, err error) FetchOutcome {
	if inc.ContinueOnError {
		s.logger.Warn("include failed, continuing", "src", inc.Src, "seq", inc.Seq, "err", err)
		return FetchOutcome{}
	}
	return FetchOutcome{Err: &FragmentError{Src: inc.Src, Seq: inc.Seq, Err: err}}
}

// fragment fetches locator and runs the body through a nested pipeline one
// level deeper.
func (s *scheduler) fragment(ctx context.Context, locator string) ([]byte, error) {
	body, err := s.fetch(ctx, locator)
	if err != nil {
		return nil, err
	}
	if !bytes.Contains(body, []byte("<"+s.cfg.Namespace+":")) {
		return body, nil
	}
	var buf bytes.Buffer
	if err := s.proc.run(ctx, s.orig, bytes.NewReader(body), &buf, s.depth+1); err != nil {
		return nil, fmt.Errorf("processing fragment: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *scheduler) fetch(ctx context.Context, locator string) ([]byte, error) {
	req, err := newFragmentRequest(ctx, s.orig, locator, !s.cfg.KeepLocatorsEscaped)
	if err != nil {
		return nil, err
	}
	if !s.cfg.CoalesceFetches {
		return sendFragmentRequest(s.cfg, req)
	}
	key := req.URL.String()
	v, err, shared := s.flight.Do(key, func() (any, error) {
		return sendFragmentRequest(s.cfg, req)
	})
	if shared {
		s.logger.Debug("shared fragment request", "url", key)
	}
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
