package transport

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"github.com/italolelis/emby_downloader/internal/transfer"
)

// Stream is an open response body read in fixed-size chunks.
type Stream struct {
	body     io.ReadCloser
	buf      []byte
	total    int64
	timeout  time.Duration
	timer    *time.Timer
	timedOut *atomic.Bool
	cancel   context.CancelFunc
}

// TotalBytes is the full size of the resource, 0 when unknown.
func (s *Stream) TotalBytes() int64 {
	return s.total
}

// Chunks yields the body in chunks of at most the configured chunk size. All
// chunks share one buffer: a chunk is only valid until the next iteration.
// Iteration ends after the first error.
func (s *Stream) Chunks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			n, err := s.fill()
			if n > 0 && !yield(s.buf[:n], nil) {
				return
			}

			if errors.Is(err, io.EOF) {
				return
			}

			if err != nil {
				yield(nil, s.classify(err))

				return
			}
		}
	}
}

// fill reads until the buffer is full or the body fails. The idle timer only
// runs while blocked in Read, so slow disk writes by the consumer never count
// against the server.
func (s *Stream) fill() (int, error) {
	n := 0
	for n < len(s.buf) {
		s.timer.Reset(s.timeout)
		m, err := s.body.Read(s.buf[n:])
		s.timer.Stop()

		n += m
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

func (s *Stream) classify(err error) error {
	if s.timedOut.Load() {
		return &transfer.TimeoutError{Operation: "read", Timeout: s.timeout, Err: err}
	}

	return &transfer.TransportError{Operation: "read", Message: err.Error(), Err: err}
}

// Close releases the connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.timer.Stop()
	s.cancel()

	return s.body.Close()
}
