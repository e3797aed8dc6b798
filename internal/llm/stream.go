package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// StreamEvent carries either one chunk or a terminal error.
type StreamEvent struct {
	Chunk *Chunk
	Err   error
}

// StreamDefectError reports a stream that failed before producing its first
// chunk. Such streams may be reopened; nothing has been surfaced yet.
type StreamDefectError struct {
	Err error
}

func (e *StreamDefectError) Error() string {
	return fmt.Sprintf("stream failed before first chunk: %v", e.Err)
}

func (e *StreamDefectError) Unwrap() error {
	return e.Err
}

// IsStreamDefect reports whether err is a pre-first-chunk stream failure.
func IsStreamDefect(err error) bool {
	var defect *StreamDefectError
	return errors.As(err, &defect)
}

// Stream is a channel of events produced by a single completion request.
type Stream struct {
	events  <-chan StreamEvent
	head    []StreamEvent
	closeFn func()
	once    sync.Once
}

// NewStream wraps a producer channel. closeFn, if non-nil, releases the
// producer and is called at most once.
func NewStream(events <-chan StreamEvent, closeFn func()) *Stream {
	return &Stream{events: events, closeFn: closeFn}
}

// StreamOf returns a finished stream that yields the given events.
func StreamOf(events ...StreamEvent) *Stream {
	ch := make(chan StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return NewStream(ch, nil)
}

// ChunkEvents wraps chunks as stream events.
func ChunkEvents(chunks ...Chunk) []StreamEvent {
	events := make([]StreamEvent, 0, len(chunks))
	for i := range chunks {
		chunk := chunks[i]
		events = append(events, StreamEvent{Chunk: &chunk})
	}
	return events
}

// Recv returns the next event. ok is false once the stream is exhausted.
func (s *Stream) Recv(ctx context.Context) (ev StreamEvent, ok bool, err error) {
	if len(s.head) > 0 {
		ev, s.head = s.head[0], s.head[1:]
		return ev, true, nil
	}
	select {
	case <-ctx.Done():
		return StreamEvent{}, false, ctx.Err()
	case ev, ok = <-s.events:
		if !ok && ctx.Err() != nil {
			return StreamEvent{}, false, ctx.Err()
		}
		return ev, ok, nil
	}
}

// unread pushes ev back so the next Recv returns it.
func (s *Stream) unread(ev StreamEvent) {
	s.head = append([]StreamEvent{ev}, s.head...)
}

// Close releases the producer.
func (s *Stream) Close() {
	s.once.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
}
