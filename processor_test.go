package esi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"
)

// fragment is the canned response of the test fetcher for one URL.
type fragment struct {
	body   string
	status int
	delay  time.Duration
	err    error
}

// fragments is a Fetcher serving canned responses by absolute URL. Unknown
// URLs get a 404. Delays honor the request context.
type fragments struct {
	routes map[string]fragment

	mu   sync.Mutex
	reqs []*http.Request
}

func newFragments(routes map[string]fragment) *fragments {
	return &fragments{routes: routes}
}

func (f *fragments) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	fr, ok := f.routes[req.URL.String()]
	if !ok {
		fr = fragment{status: http.StatusNotFound, body: "not found"}
	}
	if fr.delay > 0 {
		select {
		case <-time.After(fr.delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if fr.err != nil {
		return nil, fr.err
	}
	if fr.status == 0 {
		fr.status = http.StatusOK
	}
	return &http.Response{
		StatusCode: fr.status,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(strings.NewReader(fr.body)),
		Request:    req,
	}, nil
}

func (f *fragments) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.reqs {
		if req.URL.String() == url {
			n++
		}
	}
	return n
}

func process(t *testing.T, cfg Config, req *http.Request, src io.Reader) (string, error) {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	var buf bytes.Buffer
	err := NewProcessor(cfg).Process(context.Background(), req, src, &buf)
	return buf.String(), err
}

const host = "http://localhost"

func TestProcess(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		input   string
		routes  map[string]fragment
		want    string
		wantErr error
		// primary locator of the failed include, when wantErr is set
		wantSrc string
	}{
		{
			name:  "no directives",
			input: "<html><body><p>Hello, <b>world</b></p></body></html>",
			want:  "<html><body><p>Hello, <b>world</b></p></body></html>",
		},
		{
			name:   "include",
			input:  `a<esi:include src="/x"/>b`,
			routes: map[string]fragment{host + "/x": {body: "X"}},
			want:   "aXb",
		},
		{
			name:  "later fragment completes first",
			input: `1<esi:include src="/slow"/>2<esi:include src="/fast"/>3`,
			routes: map[string]fragment{
				host + "/slow": {body: "S", delay: 50 * time.Millisecond},
				host + "/fast": {body: "F"},
			},
			want: "1S2F3",
		},
		{
			name:  "alt when src fails",
			input: `<esi:include src="/missing" alt="/backup"/>`,
			routes: map[string]fragment{
				host + "/backup": {body: "B"},
			},
			want: "B",
		},
		{
			name:  "alt not used when src succeeds",
			input: `<esi:include src="/a" alt="/b"/>`,
			routes: map[string]fragment{
				host + "/a": {body: "A"},
				host + "/b": {body: "B"},
			},
			want: "A",
		},
		{
			name:   "continue on error",
			input:  `a<esi:include src="/broken" onerror="continue"/>b`,
			routes: map[string]fragment{host + "/broken": {status: http.StatusInternalServerError}},
			want:   "ab",
		},
		{
			name:  "continue when src and alt fail",
			input: `a<esi:include src="/x" alt="/y" onerror="continue"/>b`,
			want:  "ab",
		},
		{
			name:    "failed include ends the output",
			input:   `pre<esi:include src="/broken"/>post<esi:include src="/x"/>`,
			routes:  map[string]fragment{host + "/broken": {status: http.StatusInternalServerError}, host + "/x": {body: "X"}},
			want:    "pre",
			wantErr: &StatusError{URL: host + "/broken", StatusCode: http.StatusInternalServerError},
			wantSrc: "/broken",
		},
		{
			name:    "transport error",
			input:   `pre<esi:include src="/x"/>`,
			routes:  map[string]fragment{host + "/x": {err: io.ErrUnexpectedEOF}},
			want:    "pre",
			wantErr: io.ErrUnexpectedEOF,
			wantSrc: "/x",
		},
		{
			name:  "comments and removes",
			input: `a<esi:comment text="note"/>b<esi:remove><a href="/esi-disabled">fallback</a></esi:remove>c`,
			want:  "abc",
		},
		{
			name:   "include content is dropped",
			input:  `<esi:include src="/x">ignored</esi:include>!`,
			routes: map[string]fragment{host + "/x": {body: "X"}},
			want:   "X!",
		},
		{
			name:  "unrecognized tags pass through",
			input: `<esi:vars>$(HTTP_HOST)</esi:vars>`,
			want:  `<esi:vars>$(HTTP_HOST)</esi:vars>`,
		},
		{
			name:  "unrecognized tags stripped",
			cfg:   Config{StripUnrecognizedTags: true},
			input: `<esi:vars>$(HTTP_HOST)</esi:vars><esi:try/>`,
			want:  `$(HTTP_HOST)`,
		},
		{
			name:   "other namespace",
			cfg:    Config{Namespace: "edge"},
			input:  `<esi:include src="/x"/><edge:include src="/x"/>`,
			routes: map[string]fragment{host + "/x": {body: "X"}},
			want:   `<esi:include src="/x"/>X`,
		},
		{
			name:    "missing src",
			input:   `a<esi:include alt="/x"/>b`,
			routes:  map[string]fragment{host + "/x": {body: "X"}},
			want:    "a",
			wantErr: ErrMissingSrc,
		},
		{
			name:  "missing src with continue",
			input: `a<esi:include onerror="continue"/>b`,
			want:  "ab",
		},
		{
			name:    "unterminated include",
			input:   `a<esi:include src="/x"`,
			routes:  map[string]fragment{host + "/x": {body: "X"}},
			want:    "a",
			wantErr: ErrUnterminatedTag,
			wantSrc: "/x",
		},
		{
			name:  "nested include",
			input: `[<esi:include src="/outer"/>]`,
			routes: map[string]fragment{
				host + "/outer": {body: `(<esi:include src="/inner"/>)`},
				host + "/inner": {body: "I"},
			},
			want: "[(I)]",
		},
		{
			name:  "nested include too deep",
			cfg:   Config{MaxIncludeDepth: 1},
			input: `[<esi:include src="/outer"/>]`,
			routes: map[string]fragment{
				host + "/outer": {body: `(<esi:include src="/inner"/>)`},
				host + "/inner": {body: "I"},
			},
			want:    "[",
			wantErr: ErrIncludeDepth,
			wantSrc: "/outer",
		},
		{
			name:  "nested include too deep with continue",
			cfg:   Config{MaxIncludeDepth: 1},
			input: `[<esi:include src="/outer"/>]`,
			routes: map[string]fragment{
				host + "/outer": {body: `(<esi:include src="/inner" onerror="continue"/>)`},
				host + "/inner": {body: "I"},
			},
			want: "[()]",
		},
		{
			name:   "escaped locator",
			input:  `<esi:include src="/q?a=1&amp;b=2"/>`,
			routes: map[string]fragment{host + "/q?a=1&b=2": {body: "Q"}},
			want:   "Q",
		},
		{
			name:   "locator kept escaped",
			cfg:    Config{KeepLocatorsEscaped: true},
			input:  `<esi:include src="/q?a=1&amp;b=2"/>`,
			routes: map[string]fragment{host + "/q?a=1&amp;b=2": {body: "Q"}},
			want:   "Q",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Fetcher = newFragments(tt.routes)
			got, err := process(t, tt.cfg, nil, strings.NewReader(tt.input))

			if got != tt.want {
				t.Errorf("expected output %q, got %q", tt.want, got)
			}
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Process: %v", err)
				}
				return
			}

			var ferr *FragmentError
			if !errors.As(err, &ferr) {
				t.Fatalf("expected a *FragmentError, got %T: %v", err, err)
			}
			if ferr.Src != tt.wantSrc {
				t.Errorf("expected failed src %q, got %q", tt.wantSrc, ferr.Src)
			}
			var serr *StatusError
			if want, ok := tt.wantErr.(*StatusError); ok {
				if !errors.As(err, &serr) {
					t.Fatalf("expected a *StatusError, got %v", err)
				}
				if *serr != *want {
					t.Errorf("expected %v, got %v", want, serr)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestProcessChunking(t *testing.T) {
	input := `<html><esi:comment text="x"/><body>` +
		`<esi:include src="/a"/>,<esi:include src="/b" alt="/a"/>,` +
		`<esi:remove><esi:include src="/a"/></esi:remove><es<esi:include src="/c"/>` +
		`</body></html>`
	routes := map[string]fragment{
		host + "/a": {body: "A", delay: 10 * time.Millisecond},
		host + "/c": {body: "C"},
	}
	want := `<html><body>A,A,<esC</body></html>`

	readers := map[string]func(io.Reader) io.Reader{
		"OneByteReader": iotest.OneByteReader,
		"HalfReader":    iotest.HalfReader,
		"DataErrReader": iotest.DataErrReader,
	}
	for name, wrap := range readers {
		t.Run(name, func(t *testing.T) {
			got, err := process(t, Config{Fetcher: newFragments(routes)}, nil, wrap(strings.NewReader(input)))
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if got != want {
				t.Errorf("expected %q, got %q", want, got)
			}
		})
	}
	for size := 1; size <= 8; size++ {
		t.Run(fmt.Sprintf("ReadBufferSize=%d", size), func(t *testing.T) {
			cfg := Config{Fetcher: newFragments(routes), ReadBufferSize: size}
			got, err := process(t, cfg, nil, strings.NewReader(input))
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if got != want {
				t.Errorf("expected %q, got %q", want, got)
			}
		})
	}
}

func TestProcessReadError(t *testing.T) {
	errRead := errors.New("connection reset")
	src := io.MultiReader(strings.NewReader("abc"), iotest.ErrReader(errRead))
	_, err := process(t, Config{Fetcher: newFragments(nil)}, nil, src)
	if !errors.Is(err, errRead) {
		t.Fatalf("expected %v, got %v", errRead, err)
	}
}

func TestProcessWritesBeforeSlowFragment(t *testing.T) {
	release := make(chan struct{})
	fetcher := FetcherFunc(func(req *http.Request) (*http.Response, error) {
		<-release
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("S"))}, nil
	})
	p := NewProcessor(Config{Fetcher: fetcher, Logger: discardLogger()})

	w := make(chanWriter, 16)
	done := make(chan error, 1)
	go func() {
		done <- p.Process(context.Background(), nil, strings.NewReader(`head<esi:include src="/slow"/>tail`), w)
	}()

	expectWrite(t, w, "head")
	expectNoWrite(t, w)
	close(release)
	expectWrite(t, w, "S")
	expectWrite(t, w, "tail")
	if err := <-done; err != nil {
		t.Fatalf("Process: %v", err)
	}
}

func TestProcessFetchesConcurrently(t *testing.T) {
	// every fetch waits until all of them have started
	const n = 4
	var started atomic.Int32
	all := make(chan struct{})
	fetcher := FetcherFunc(func(req *http.Request) (*http.Response, error) {
		if started.Add(1) == n {
			close(all)
		}
		select {
		case <-all:
		case <-time.After(2 * time.Second):
			return nil, errors.New("fetches were not concurrent")
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(req.URL.Path))}, nil
	})

	var input strings.Builder
	for i := range n {
		fmt.Fprintf(&input, `<esi:include src="/%d"/>`, i)
	}
	got, err := process(t, Config{Fetcher: fetcher}, nil, strings.NewReader(input.String()))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if want := "/0/1/2/3"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestProcessFailureCancelsFetches(t *testing.T) {
	slowStarted := make(chan struct{})
	canceled := make(chan struct{})
	fetcher := FetcherFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/broken" {
			select {
			case <-slowStarted:
			case <-time.After(2 * time.Second):
			}
			return nil, errors.New("boom")
		}
		close(slowStarted)
		select {
		case <-req.Context().Done():
			close(canceled)
			return nil, req.Context().Err()
		case <-time.After(10 * time.Second):
			return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("late"))}, nil
		}
	})

	start := time.Now()
	got, err := process(t, Config{Fetcher: fetcher}, nil, strings.NewReader(`a<esi:include src="/broken"/>b<esi:include src="/slow"/>`))
	var ferr *FragmentError
	if !errors.As(err, &ferr) {
		t.Fatalf("expected a *FragmentError, got %v", err)
	}
	if got != "a" {
		t.Errorf("expected output %q, got %q", "a", got)
	}
	select {
	case <-canceled:
	default:
		t.Error("expected the pending fetch to be canceled")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Process took %s after a fatal failure", elapsed)
	}
}

func TestProcessCanceled(t *testing.T) {
	fetcher := FetcherFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	p := NewProcessor(Config{Fetcher: fetcher, Logger: discardLogger()})
	err := p.Process(ctx, nil, strings.NewReader(`<esi:include src="/x"/>`), io.Discard)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected %v, got %v", context.Canceled, err)
	}
}

func TestProcessHighWater(t *testing.T) {
	routes := make(map[string]fragment)
	var input, want strings.Builder
	for i := range 50 {
		src := fmt.Sprintf("/f%d", i)
		routes[host+src] = fragment{body: src, delay: time.Duration(50-i) * time.Millisecond / 10}
		fmt.Fprintf(&input, `<p><esi:include src="%s"/></p>`, src)
		fmt.Fprintf(&want, "<p>%s</p>", src)
	}
	cfg := Config{Fetcher: newFragments(routes), MaxPendingSlots: 3}
	got, err := process(t, cfg, nil, strings.NewReader(input.String()))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got != want.String() {
		t.Errorf("expected %q, got %q", want.String(), got)
	}
}

func TestProcessCoalesceFetches(t *testing.T) {
	input := strings.Repeat(`<esi:include src="/shared"/>`, 3)
	for _, coalesce := range []bool{false, true} {
		t.Run(fmt.Sprintf("CoalesceFetches=%v", coalesce), func(t *testing.T) {
			f := newFragments(map[string]fragment{host + "/shared": {body: "S", delay: 100 * time.Millisecond}})
			got, err := process(t, Config{Fetcher: f, CoalesceFetches: coalesce}, nil, strings.NewReader(input))
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if got != "SSS" {
				t.Errorf("expected %q, got %q", "SSS", got)
			}
			want := 3
			if coalesce {
				want = 1
			}
			if n := f.count(host + "/shared"); n != want {
				t.Errorf("expected %d fetches, got %d", want, n)
			}
		})
	}
}

func TestProcessRequestContext(t *testing.T) {
	f := newFragments(map[string]fragment{
		"https://example.com/dir/frag": {body: "F"},
		"https://example.com/abs":      {body: "A"},
	})
	req, err := http.NewRequest(http.MethodGet, "https://example.com/dir/page", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Cookie", "session=1")
	req.Header.Set("Accept-Encoding", "gzip")

	got, err := process(t, Config{Fetcher: f}, req, strings.NewReader(`<esi:include src="frag"/><esi:include src="/abs"/>`))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got != "FA" {
		t.Errorf("expected %q, got %q", "FA", got)
	}
	for _, r := range f.reqs {
		if got := r.Header.Get("Cookie"); got != "session=1" {
			t.Errorf("%s: expected the client cookie, got %q", r.URL, got)
		}
		if got := r.Header.Get("Accept-Encoding"); got != "" {
			t.Errorf("%s: expected no Accept-Encoding, got %q", r.URL, got)
		}
	}
}

func TestProcessFragmentResponseHook(t *testing.T) {
	f := newFragments(map[string]fragment{host + "/x": {body: "x"}})
	cfg := Config{
		Fetcher: f,
		ProcessFragmentResponse: func(req *http.Request, resp *http.Response) (*http.Response, error) {
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(bytes.ToUpper(body)))
			return resp, nil
		},
	}
	got, err := process(t, cfg, nil, strings.NewReader(`<esi:include src="/x"/>`))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got != "X" {
		t.Errorf("expected %q, got %q", "X", got)
	}
}

func FuzzProcess(f *testing.F) {
	seeds := []string{
		"",
		"<html><body>hello</body></html>",
		"<es<e<<esi",
		"<esi",
		"a < b > c",
	}
	for _, seed := range seeds {
		f.Add([]byte(seed))
	}

	fetcher := FetcherFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("unexpected fetch")
	})
	f.Fuzz(func(t *testing.T, in []byte) {
		if bytes.Contains(in, []byte("<esi:")) || bytes.Contains(in, []byte("</esi:")) {
			t.Skip()
		}
		got, err := process(t, Config{Fetcher: fetcher, ReadBufferSize: 7}, nil, bytes.NewReader(in))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if got != string(in) {
			t.Fatalf("expected the input unchanged\ninput:  %q\noutput: %q", in, got)
		}
	})
}
