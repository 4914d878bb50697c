package esi

import (
	"log/slog"
	"net/http"
)

const (
	DefaultNamespace       = "esi"
	DefaultMaxIncludeDepth = 3
	DefaultMaxPendingSlots = 1024
	DefaultReadBufferSize  = 4096
)

// Fetcher performs fragment requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts an ordinary function to the Fetcher interface.
type FetcherFunc func(req *http.Request) (*http.Response, error)

func (f FetcherFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Config holds the options of a Processor. The zero value is usable; zero
// fields take the package defaults. A Config is copied by NewProcessor and
// never modified afterwards.
type Config struct {
	// Namespace is the tag prefix that marks directives, "esi" by default,
	// so that <esi:include> is recognized.
	Namespace string

	// MaxIncludeDepth bounds nested include processing. Includes in the
	// source document are at depth 1; an include found inside a fragment
	// at depth MaxIncludeDepth is malformed.
	MaxIncludeDepth int

	// StripComments is accepted for compatibility. Comments are always
	// stripped.
	StripComments bool

	// StripUnrecognizedTags drops tags in the directive namespace that are
	// not include, comment or remove. By default they are passed through
	// verbatim. Tags outside the namespace are never touched.
	StripUnrecognizedTags bool

	// KeepLocatorsEscaped disables HTML unescaping of src and alt values.
	// Leave it false for HTML documents, where "&amp;" appears in URLs.
	KeepLocatorsEscaped bool

	// MaxPendingSlots bounds how many output slots may wait behind the
	// emission frontier before parsing pauses.
	MaxPendingSlots int

	// ReadBufferSize is the chunk size used to read the source document.
	ReadBufferSize int

	// CoalesceFetches shares one fetch between includes of the same URL
	// that are in flight at the same time within one run.
	CoalesceFetches bool

	// Fetcher sends fragment requests. Defaults to http.DefaultClient.
	Fetcher Fetcher

	// ProcessFragmentResponse, if set, is called with every fragment
	// response before its status code is checked.
	ProcessFragmentResponse func(req *http.Request, resp *http.Response) (*http.Response, error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.MaxIncludeDepth <= 0 {
		c.MaxIncludeDepth = DefaultMaxIncludeDepth
	}
	c.StripComments = true
	if c.MaxPendingSlots <= 0 {
		c.MaxPendingSlots = DefaultMaxPendingSlots
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Fetcher == nil {
		c.Fetcher = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
