package esi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Processor executes the directives of documents as they stream through
// it. A Processor is safe for concurrent use; each call to Process is an
// independent run.
type Processor struct {
	cfg Config
}

// NewProcessor returns a Processor with the given configuration.
func NewProcessor(cfg Config) *Processor {
	return &Processor{cfg: cfg.withDefaults()}
}

// Config returns the processor's effective configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// Process reads the document from src and writes the assembled output to
// dst as early as ordering allows. req is the client request the document
// is served for; fragment requests copy its headers and relative locators
// resolve against its URL. It may be nil.
//
// Process returns nil once the whole output has been written. If an include
// fails without onerror="continue", the output up to that include has been
// written, nothing after it will be, and the returned error is a
// *FragmentError.
func (p *Processor) Process(ctx context.Context, req *http.Request, src io.Reader, dst io.Writer) error {
	err := p.run(ctx, req, src, dst, 0)
	if err != nil {
		p.cfg.Logger.Error("processing ESI document", "err", err)
	}
	return err
}

// ProcessResponse streams a backend response through the processor to a
// client, copying its status and headers. The response body is closed.
func (p *Processor) ProcessResponse(ctx context.Context, req *http.Request, resp *http.Response, w http.ResponseWriter) error {
	defer resp.Body.Close()

	h := w.Header()
	copyHeader(h, resp.Header)
	// the assembled document has a different length and representation
	h.Del("Content-Length")
	h.Del("Accept-Ranges")
	h.Del("Etag")
	w.WriteHeader(resp.StatusCode)

	return p.Process(ctx, req, resp.Body, w)
}

// run drives one document, at the given include depth, to completion.
func (p *Processor) run(ctx context.Context, req *http.Request, src io.Reader, dst io.Writer, depth int) error {
	g, ctx := errgroup.WithContext(ctx)
	seq := newSequencer(dst, p.cfg.MaxPendingSlots)
	sched := &scheduler{
		proc:   p,
		cfg:    &p.cfg,
		logger: p.cfg.Logger.With("depth", depth),
		orig:   req,
		depth:  depth,
		g:      g,
		seq:    seq,
	}

	g.Go(func() error {
		return seq.drain(ctx)
	})
	g.Go(func() error {
		if err := p.parse(ctx, src, sched); err != nil {
			return err
		}
		seq.close()
		return nil
	})
	return g.Wait()
}

// Scan tokenizes and interprets src without fetching anything, calling fn
// with every ByteSpan and Directive in document order.
func (p *Processor) Scan(ctx context.Context, src io.Reader, fn func(Item) error) error {
	return p.parse(ctx, src, scanSink(fn))
}

type scanSink func(Item) error

func (fn scanSink) span(_ context.Context, span ByteSpan) error {
	return fn(span)
}

func (fn scanSink) directive(_ context.Context, d Directive) error {
	return fn(d)
}

// parse feeds src through the tokenizer and interpreter into out.
func (p *Processor) parse(ctx context.Context, src io.Reader, out directiveSink) error {
	tok := newTokenizer(p.cfg.Namespace)
	in := newInterpreter(&p.cfg, out)
	emit := func(ev event) error {
		return in.handle(ctx, ev)
	}

	buf := make([]byte, p.cfg.ReadBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if ferr := tok.feed(buf[:n], emit); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading source document: %w", err)
		}
	}
	return tok.finish(emit)
}
