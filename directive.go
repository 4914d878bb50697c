package esi

import "fmt"

// Item is an element of an interpreted document, in sequence order: a
// ByteSpan or a Directive.
type Item interface {
	Sequence() int
	fmt.Stringer
}

// ByteSpan is a run of literal output bytes. It is never modified after it
// is created.
type ByteSpan struct {
	Seq    int
	Offset int64
	Data   []byte
}

func (s ByteSpan) Sequence() int  { return s.Seq }
func (s ByteSpan) String() string { return fmt.Sprintf("%q", s.Data) }

// Directive is a recognized directive occurrence in a document: one of
// *Include, *CommentRegion or *RemoveRegion.
type Directive interface {
	Item
	directive()
}

// Include is an <esi:include> directive.
type Include struct {
	Seq    int
	Offset int64
	// Src is the primary locator.
	Src string
	// Alt is the fallback locator, valid when HasAlt is set.
	Alt    string
	HasAlt bool
	// ContinueOnError is set by onerror="continue": a failed include then
	// contributes no bytes instead of failing the document.
	ContinueOnError bool
	// Err is non-nil when the directive itself is malformed.
	Err error
}

func (d *Include) Sequence() int { return d.Seq }
func (d *Include) directive()    {}

func (d *Include) String() string {
	s := fmt.Sprintf("include src=%q", d.Src)
	if d.HasAlt {
		s += fmt.Sprintf(" alt=%q", d.Alt)
	}
	if d.ContinueOnError {
		s += ` onerror="continue"`
	}
	return s
}

// CommentRegion is an <esi:comment> directive. It never produces output.
type CommentRegion struct {
	Seq    int
	Offset int64
}

func (d *CommentRegion) Sequence() int  { return d.Seq }
func (d *CommentRegion) directive()     {}
func (d *CommentRegion) String() string { return "comment" }

// RemoveRegion is an <esi:remove> region. Its content is markup meant for
// consumers that do not process directives, and it never produces output.
type RemoveRegion struct {
	Seq    int
	Offset int64
}

func (d *RemoveRegion) Sequence() int  { return d.Seq }
func (d *RemoveRegion) directive()     {}
func (d *RemoveRegion) String() string { return "remove" }

// FetchOutcome is the resolution of one include: Body on success, or a
// non-nil Err that fails the document once it reaches the frontier.
type FetchOutcome struct {
	Body []byte
	Err  error
}
