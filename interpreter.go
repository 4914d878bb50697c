package esi

import (
	"context"
	"log/slog"
)

const (
	directiveInclude = "include"
	directiveComment = "comment"
	directiveRemove  = "remove"
)

// directiveSink receives the interpreter's output in document order.
type directiveSink interface {
	span(context.Context, ByteSpan) error
	directive(context.Context, Directive) error
}

// interpreter folds tokenizer events into literal spans and directives,
// numbering each with its sequence index. Content enclosed by comment,
// remove and non self-closing include tags is discarded here.
type interpreter struct {
	stripUnrecognized bool
	logger            *slog.Logger
	out               directiveSink

	seq int

	// name of the directive whose enclosed content is being discarded
	region       string
	regionOffset int64
	// nested opening tags of the same name inside the region
	nesting int
}

func newInterpreter(cfg *Config, out directiveSink) *interpreter {
	return &interpreter{
		stripUnrecognized: cfg.StripUnrecognizedTags,
		logger:            cfg.Logger,
		out:               out,
	}
}

func (in *interpreter) nextSeq() int {
	seq := in.seq
	in.seq++
	return seq
}

func (in *interpreter) handle(ctx context.Context, ev event) error {
	if in.region != "" {
		return in.discard(ev)
	}

	switch ev.typ {
	case eventLiteral:
		return in.literal(ctx, ev)
	case eventOpen:
		return in.open(ctx, ev)
	case eventClose:
		switch ev.name {
		case directiveInclude, directiveComment, directiveRemove:
			in.logger.Warn("dropping unexpected closing tag", "tag", string(ev.raw), "offset", ev.offset)
			return nil
		}
		return in.unrecognized(ctx, ev)
	case eventEnd:
		return nil
	default:
		panic("unexpected event type " + ev.typ.String())
	}
}

func (in *interpreter) literal(ctx context.Context, ev event) error {
	if len(ev.raw) == 0 {
		return nil
	}
	return in.out.span(ctx, ByteSpan{Seq: in.nextSeq(), Offset: ev.offset, Data: ev.raw})
}

func (in *interpreter) open(ctx context.Context, ev event) error {
	for _, name := range ev.rejected {
		in.logger.Warn("ignoring attribute without a quoted value", "directive", ev.name, "attr", name, "offset", ev.offset)
	}

	encloses := !ev.selfClosing && !ev.malformed

	switch ev.name {
	case directiveInclude:
		inc := in.include(ev)
		if encloses {
			in.enter(ev)
		}
		return in.out.directive(ctx, inc)
	case directiveComment:
		if encloses {
			in.enter(ev)
		}
		return in.out.directive(ctx, &CommentRegion{Seq: in.nextSeq(), Offset: ev.offset})
	case directiveRemove:
		if encloses {
			in.enter(ev)
		}
		return in.out.directive(ctx, &RemoveRegion{Seq: in.nextSeq(), Offset: ev.offset})
	default:
		return in.unrecognized(ctx, ev)
	}
}

func (in *interpreter) include(ev event) *Include {
	inc := &Include{Seq: in.nextSeq(), Offset: ev.offset}
	inc.Src, _ = ev.attrValue("src")
	inc.Alt, _ = ev.attrValue("alt")
	inc.HasAlt = inc.Alt != ""
	onerror, _ := ev.attrValue("onerror")
	inc.ContinueOnError = onerror == "continue"

	switch {
	case ev.malformed:
		inc.Err = ErrUnterminatedTag
	case inc.Src == "":
		inc.Err = ErrMissingSrc
	}
	if inc.Err != nil {
		in.logger.Warn("malformed directive", "tag", string(ev.raw), "offset", ev.offset, "err", inc.Err)
	}
	return inc
}

// unrecognized handles a tag in the directive namespace that names no
// known directive.
func (in *interpreter) unrecognized(ctx context.Context, ev event) error {
	if in.stripUnrecognized {
		in.logger.Debug("stripping unrecognized tag", "tag", string(ev.raw), "offset", ev.offset)
		return nil
	}
	return in.literal(ctx, ev)
}

func (in *interpreter) enter(ev event) {
	in.region = ev.name
	in.regionOffset = ev.offset
	in.nesting = 0
}

func (in *interpreter) discard(ev event) error {
	switch ev.typ {
	case eventOpen:
		if ev.name == in.region && !ev.selfClosing && !ev.malformed {
			in.nesting++
		}
	case eventClose:
		if ev.name != in.region {
			break
		}
		if in.nesting > 0 {
			in.nesting--
			break
		}
		in.logger.Debug("discarded directive content", "directive", in.region, "from", in.regionOffset, "to", ev.offset+int64(len(ev.raw)))
		in.region = ""
	case eventEnd:
		in.logger.Warn("unterminated directive region at end of input", "directive", in.region, "offset", in.regionOffset)
		in.region = ""
	}
	return nil
}
