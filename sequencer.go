package esi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/semaphore"
)

// slot is one position in the output order. It is resolved exactly once,
// with the bytes to write or with the error that ends the run.
type slot struct {
	seq      int
	resolved bool
	data     []byte
	err      error
}

// sequencer writes resolved slots to the output in sequence order. Slots
// are added by the parser in order, resolved in any order by whoever owns
// them, and drained by a single emitter that stops at the first unresolved
// slot (the emission frontier).
type sequencer struct {
	w io.Writer
	// limits how many slots may wait behind the frontier
	room *semaphore.Weighted

	mu       sync.Mutex
	pending  []*slot // pending[0] is the frontier slot
	frontier int
	next     int
	closed   bool

	wake chan struct{}
}

func newSequencer(w io.Writer, highWater int) *sequencer {
	return &sequencer{
		w:    w,
		room: semaphore.NewWeighted(int64(highWater)),
		wake: make(chan struct{}, 1),
	}
}

// add appends the slot for sequence index seq, blocking while the table is
// at its high-water mark.
func (s *sequencer) add(ctx context.Context, seq int) (*slot, error) {
	if err := s.room.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic("sequencer: add after close")
	}
	if seq != s.next {
		panic(fmt.Sprintf("sequencer: slot %d added out of order, want %d", seq, s.next))
	}
	sl := &slot{seq: seq}
	s.next++
	s.pending = append(s.pending, sl)
	return sl, nil
}

// literal adds an already resolved slot.
func (s *sequencer) literal(ctx context.Context, span ByteSpan) error {
	sl, err := s.add(ctx, span.Seq)
	if err != nil {
		return err
	}
	s.resolve(sl, FetchOutcome{Body: span.Data})
	return nil
}

// resolve settles a slot. It may be called from any goroutine.
func (s *sequencer) resolve(sl *slot, outcome FetchOutcome) {
	s.mu.Lock()
	if sl.resolved {
		s.mu.Unlock()
		panic(fmt.Sprintf("sequencer: slot %d resolved twice", sl.seq))
	}
	sl.resolved = true
	sl.data = outcome.Body
	sl.err = outcome.Err
	s.mu.Unlock()
	s.signal()
}

// close records that no more slots will be added.
func (s *sequencer) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *sequencer) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ready removes the contiguous run of resolved slots at the frontier.
func (s *sequencer) ready() (run []*slot, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for n < len(s.pending) && s.pending[n].resolved {
		n++
	}
	if n > 0 {
		run = append(run, s.pending[:n]...)
		clear(s.pending[:n])
		s.pending = s.pending[n:]
		s.frontier += n
	}
	return run, s.closed && len(s.pending) == 0
}

// drain emits slots until every slot has been written, a slot carries an
// error, or ctx is done. The slot error is returned as is; nothing after
// that slot is written.
func (s *sequencer) drain(ctx context.Context) error {
	for {
		run, done := s.ready()
		for _, sl := range run {
			if sl.err != nil {
				// the prefix before the failed slot stands
				if err := s.flush(); err != nil {
					return fmt.Errorf("flushing output: %w", err)
				}
				return sl.err
			}
			if len(sl.data) > 0 {
				if _, err := s.w.Write(sl.data); err != nil {
					return fmt.Errorf("writing output: %w", err)
				}
			}
			s.room.Release(1)
		}
		if len(run) > 0 {
			if err := s.flush(); err != nil {
				return fmt.Errorf("flushing output: %w", err)
			}
		}
		if done {
			return nil
		}
		if len(run) == 0 {
			select {
			case <-s.wake:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *sequencer) flush() error {
	switch f := s.w.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case http.Flusher:
		f.Flush()
	}
	return nil
}
