package esi

import (
	"bytes"
	"fmt"
)

// the tokenizer is a push-driven state machine. the caller feeds it chunks
// of the source document of any size, in order, and it emits events through
// a callback. everything it needs to resume in the middle of a tag lives in
// the tokenizer value itself (the state and the partial tag buffer), so a
// tag split across any number of chunks is recognized exactly as if it had
// arrived in one piece.
//
// the attribute states loosely follow the HTML5 tokenization algorithm for
// start tags, restricted to what directive tags need: no character
// references, and unquoted attribute values are rejected.
//
// https://html.spec.whatwg.org/multipage/parsing.html#tag-open-state

// maxTagSize bounds the bytes buffered for a single tag. a candidate tag
// that grows past it is not a directive and is flushed as literal text.
const maxTagSize = 64 << 10

type eventType int

const (
	eventLiteral eventType = iota
	eventOpen
	eventClose
	eventEnd
)

func (t eventType) String() string {
	switch t {
	case eventLiteral:
		return "Literal"
	case eventOpen:
		return "DirectiveOpen"
	case eventClose:
		return "DirectiveClose"
	case eventEnd:
		return "EndOfStream"
	default:
		panic("unexpected event type")
	}
}

type attr struct {
	name  string
	value string
}

type event struct {
	typ eventType
	// offset of the first byte of raw in the source document
	offset int64
	// literal bytes, or the directive tag exactly as it appeared
	raw []byte
	// directive name without the namespace prefix
	name        string
	attrs       []attr
	selfClosing bool
	// attributes dropped because their value was not quoted
	rejected []string
	// the tag was still open at end of input
	malformed bool
}

// attrValue returns the value of the first attribute with the given name.
func (e *event) attrValue(name string) (string, bool) {
	for _, a := range e.attrs {
		if a.name == name {
			return a.value, true
		}
	}
	return "", false
}

type tokState int

const (
	stateText tokState = iota
	stateMarker
	stateTagName
	stateBeforeAttrName
	stateAttrName
	stateAfterAttrName
	stateBeforeAttrValue
	stateAttrValueDoubleQuoted
	stateAttrValueSingleQuoted
	stateAttrValueUnquoted
	stateAfterAttrValueQuoted
	stateSelfClosing
	stateAfterEndTagName
	stateMalformed
)

func (s tokState) String() string {
	switch s {
	case stateText:
		return "Text"
	case stateMarker:
		return "Marker"
	case stateTagName:
		return "TagName"
	case stateBeforeAttrName:
		return "BeforeAttrName"
	case stateAttrName:
		return "AttrName"
	case stateAfterAttrName:
		return "AfterAttrName"
	case stateBeforeAttrValue:
		return "BeforeAttrValue"
	case stateAttrValueDoubleQuoted:
		return "AttrValueDoubleQuoted"
	case stateAttrValueSingleQuoted:
		return "AttrValueSingleQuoted"
	case stateAttrValueUnquoted:
		return "AttrValueUnquoted"
	case stateAfterAttrValueQuoted:
		return "AfterAttrValueQuoted"
	case stateSelfClosing:
		return "SelfClosing"
	case stateAfterEndTagName:
		return "AfterEndTagName"
	case stateMalformed:
		return "Malformed"
	default:
		panic("unexpected tokenizer state")
	}
}

type tokenizer struct {
	openMarker  []byte // "<esi:"
	closeMarker []byte // "</esi:"

	state tokState
	// offset of the next byte to be fed
	offset int64

	// the tag in progress, starting at its '<'
	buf      []byte
	start    int64
	closing  bool
	name     []byte
	attrs    []attr
	attrName []byte
	attrVal  []byte
	rejected []string
}

func newTokenizer(namespace string) *tokenizer {
	t := new(tokenizer)
	t.openMarker = []byte("<" + namespace + ":")
	t.closeMarker = []byte("</" + namespace + ":")
	t.state = stateText
	return t
}

// feed tokenizes the next chunk of the source. chunk is not retained.
// an error returned by emit stops tokenizing and is returned as is.
//
// text is emitted in runs that end only where a directive tag begins, or at
// the end of the chunk: a '<' that turns out not to start a marker stays
// part of the run.
func (t *tokenizer) feed(chunk []byte, emit func(event) error) error {
	base := t.offset
	t.offset += int64(len(chunk))

	// chunk[lit:] is text not yet emitted
	lit := 0
	// index of the '<' of the tag in progress, -1 if it began in an earlier
	// chunk
	tag := -1
	i := 0
	for i < len(chunk) {
		if t.state == stateText {
			j := bytes.IndexByte(chunk[i:], '<')
			if j < 0 {
				i = len(chunk)
				break
			}
			i += j
			tag = i
			t.beginTag(base + int64(i))
			i++
			continue
		}

		inMarker := t.state == stateMarker
		ev, reconsume := t.step(chunk[i])
		if !reconsume {
			i++
		}
		if inMarker {
			switch t.state {
			case stateText:
				if tag >= 0 {
					// the candidate is still in chunk[lit:]
					continue
				}
				lit = i
			case stateTagName:
				if tag > lit {
					if err := emit(t.literal(base+int64(lit), chunk[lit:tag])); err != nil {
						return err
					}
				}
				lit = tag
			}
		} else if t.state == stateText {
			lit = i
		}
		if ev != nil {
			if err := emit(*ev); err != nil {
				return err
			}
		}
	}

	if t.state != stateText {
		if tag < 0 {
			return nil
		}
		i = tag
	}
	if i > lit {
		return emit(t.literal(base+int64(lit), chunk[lit:i]))
	}
	return nil
}

// finish signals the end of input. A partial marker is literal text; a tag
// that got past its marker is reported as a malformed directive.
func (t *tokenizer) finish(emit func(event) error) error {
	switch t.state {
	case stateText:
	case stateMarker:
		if err := emit(t.flushTag()); err != nil {
			return err
		}
	default:
		t.state = stateMalformed
		ev := t.tagEvent()
		ev.malformed = true
		t.reset()
		if err := emit(ev); err != nil {
			return err
		}
	}
	return emit(event{typ: eventEnd, offset: t.offset})
}

func (t *tokenizer) literal(offset int64, b []byte) event {
	return event{typ: eventLiteral, offset: offset, raw: bytes.Clone(b)}
}

func (t *tokenizer) beginTag(offset int64) {
	t.buf = append(t.buf[:0], '<')
	t.start = offset
	t.closing = false
	t.name = t.name[:0]
	t.attrs = nil
	t.attrName = t.attrName[:0]
	t.attrVal = t.attrVal[:0]
	t.rejected = nil
	t.state = stateMarker
}

func (t *tokenizer) reset() {
	t.buf = t.buf[:0]
	t.state = stateText
}

// flushTag gives the bytes of the tag in progress back to the literal
// stream, unchanged.
func (t *tokenizer) flushTag() event {
	ev := t.literal(t.start, t.buf)
	t.reset()
	return ev
}

func (t *tokenizer) tagEvent() event {
	ev := event{
		typ:      eventOpen,
		offset:   t.start,
		raw:      bytes.Clone(t.buf),
		name:     string(t.name),
		attrs:    t.attrs,
		rejected: t.rejected,
	}
	if t.closing {
		ev.typ = eventClose
	}
	return ev
}

func (t *tokenizer) completeTag(selfClosing bool) *event {
	if len(t.name) == 0 {
		// "<esi:>" names no directive at all
		ev := t.flushTag()
		return &ev
	}
	ev := t.tagEvent()
	ev.selfClosing = selfClosing
	t.reset()
	return &ev
}

func (t *tokenizer) switchState(s tokState) {
	t.state = s
}

func (t *tokenizer) newAttr(ch byte) {
	t.attrName = append(t.attrName[:0], ch)
	t.attrVal = t.attrVal[:0]
}

func (t *tokenizer) commitAttr() {
	name := string(t.attrName)
	for _, a := range t.attrs {
		if a.name == name {
			// duplicate: the first occurrence wins
			return
		}
	}
	t.attrs = append(t.attrs, attr{name: name, value: string(t.attrVal)})
}

func (t *tokenizer) rejectAttr() {
	t.rejected = append(t.rejected, string(t.attrName))
}

// step consumes one byte of a tag in progress. It reports an event when the
// byte completes (or aborts) the tag, and whether the byte must be consumed
// again in the new state.
func (t *tokenizer) step(ch byte) (ev *event, reconsume bool) {
	if t.state == stateMarker {
		return t.stepMarker(ch)
	}

	t.buf = append(t.buf, ch)
	if len(t.buf) > maxTagSize {
		e := t.flushTag()
		return &e, false
	}

	switch t.state {
	case stateTagName:
		switch {
		case isSpace(ch):
			if t.closing {
				t.switchState(stateAfterEndTagName)
			} else {
				t.switchState(stateBeforeAttrName)
			}
		case ch == '/':
			if t.closing {
				t.switchState(stateAfterEndTagName)
			} else {
				t.switchState(stateSelfClosing)
			}
		case ch == '>':
			return t.completeTag(false), false
		default:
			t.name = append(t.name, ch)
		}
	case stateBeforeAttrName:
		switch {
		case isSpace(ch):
			// ignore
		case ch == '/':
			t.switchState(stateSelfClosing)
		case ch == '>':
			return t.completeTag(false), false
		default:
			t.newAttr(ch)
			t.switchState(stateAttrName)
		}
	case stateAttrName:
		switch {
		case isSpace(ch):
			t.switchState(stateAfterAttrName)
		case ch == '=':
			t.switchState(stateBeforeAttrValue)
		case ch == '/':
			t.rejectAttr()
			t.switchState(stateSelfClosing)
		case ch == '>':
			t.rejectAttr()
			return t.completeTag(false), false
		default:
			t.attrName = append(t.attrName, ch)
		}
	case stateAfterAttrName:
		switch {
		case isSpace(ch):
			// ignore
		case ch == '=':
			t.switchState(stateBeforeAttrValue)
		case ch == '/':
			t.rejectAttr()
			t.switchState(stateSelfClosing)
		case ch == '>':
			t.rejectAttr()
			return t.completeTag(false), false
		default:
			// the previous attribute had no value
			t.rejectAttr()
			t.newAttr(ch)
			t.switchState(stateAttrName)
		}
	case stateBeforeAttrValue:
		switch {
		case isSpace(ch):
			// ignore
		case ch == '"':
			t.switchState(stateAttrValueDoubleQuoted)
		case ch == '\'':
			t.switchState(stateAttrValueSingleQuoted)
		case ch == '>':
			t.rejectAttr()
			return t.completeTag(false), false
		default:
			t.rejectAttr()
			t.buf = t.buf[:len(t.buf)-1]
			t.switchState(stateAttrValueUnquoted)
			return nil, true
		}
	case stateAttrValueDoubleQuoted:
		if ch == '"' {
			t.commitAttr()
			t.switchState(stateAfterAttrValueQuoted)
		} else {
			t.attrVal = append(t.attrVal, ch)
		}
	case stateAttrValueSingleQuoted:
		if ch == '\'' {
			t.commitAttr()
			t.switchState(stateAfterAttrValueQuoted)
		} else {
			t.attrVal = append(t.attrVal, ch)
		}
	case stateAttrValueUnquoted:
		// the attribute has already been rejected; skip its value
		switch {
		case isSpace(ch):
			t.switchState(stateBeforeAttrName)
		case ch == '>':
			return t.completeTag(t.buf[len(t.buf)-2] == '/'), false
		}
	case stateAfterAttrValueQuoted:
		switch {
		case isSpace(ch):
			t.switchState(stateBeforeAttrName)
		case ch == '/':
			t.switchState(stateSelfClosing)
		case ch == '>':
			return t.completeTag(false), false
		default:
			// missing whitespace between attributes
			t.buf = t.buf[:len(t.buf)-1]
			t.switchState(stateBeforeAttrName)
			return nil, true
		}
	case stateSelfClosing:
		if ch == '>' {
			return t.completeTag(true), false
		}
		t.buf = t.buf[:len(t.buf)-1]
		t.switchState(stateBeforeAttrName)
		return nil, true
	case stateAfterEndTagName:
		if ch == '>' {
			return t.completeTag(false), false
		}
	default:
		panic(fmt.Sprintf("unexpected tokenizer state %s", t.state))
	}
	return nil, false
}

// stepMarker matches the bytes after '<' against the open or close marker.
// The first mismatching byte ends the candidate: the bytes seen so far go
// back to the literal stream and the byte is reconsumed as text, since it
// may itself start a marker.
func (t *tokenizer) stepMarker(ch byte) (*event, bool) {
	if len(t.buf) == 1 && ch == '/' {
		t.closing = true
		t.buf = append(t.buf, ch)
		return nil, false
	}
	marker := t.openMarker
	if t.closing {
		marker = t.closeMarker
	}
	if ch != marker[len(t.buf)] {
		ev := t.flushTag()
		return &ev, true
	}
	t.buf = append(t.buf, ch)
	if len(t.buf) == len(marker) {
		t.switchState(stateTagName)
	}
	return nil, false
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f'
}
