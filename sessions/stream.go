package sessions

import (
	"context"
	"errors"
	"strconv"
	"sync"
)

// DefaultStreamBuffer is how many recent events a stream retains for
// Last-Event-ID replay.
const DefaultStreamBuffer = 100

// ErrStreamClosed is returned when publishing to a torn-down session.
var ErrStreamClosed = errors.New("sessions: stream closed")

// DeliverFunc receives one outbound event during subscription.
type DeliverFunc func(ctx context.Context, eventID string, data []byte) error

type event struct {
	id   string
	data []byte
}

// Stream is a session's outbound event channel, decoupled from the inbound
// request/response cycle. It retains the most recent events in a ring so a
// reconnecting consumer can resume from its last seen event id. Event ids
// are monotonic within the stream.
type Stream struct {
	mu          sync.Mutex
	buffer      []event
	max         int
	nextID      int64
	subscribers map[*subscriber]struct{}
	closed      bool

	ready chan struct{}
}

type subscriber struct {
	ch     chan event
	cancel context.CancelFunc
}

func newStream(max int) *Stream {
	if max <= 0 {
		max = DefaultStreamBuffer
	}
	return &Stream{
		max:         max,
		nextID:      1,
		subscribers: make(map[*subscriber]struct{}),
		ready:       make(chan struct{}),
	}
}

// start marks the stream ready to accept events. The registry waits on this
// before publishing the session id for lookup.
func (s *Stream) start() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	return s.ready
}

// Publish appends an event to the ring and fans it out to live subscribers.
// A subscriber whose buffer is full misses the live delivery and recovers it
// via replay on reconnect; publishing itself never blocks.
func (s *Stream) Publish(data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStreamClosed
	}

	ev := event{id: strconv.FormatInt(s.nextID, 10), data: data}
	s.nextID++

	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > s.max {
		s.buffer = s.buffer[1:]
	}

	for sub := range s.subscribers {
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return ev.id, nil
}

// Subscribe replays buffered events after lastEventID (when found), then
// delivers live events until ctx is done or the stream closes. A lastEventID
// that is unknown (evicted or bogus) yields live events only.
func (s *Stream) Subscribe(ctx context.Context, lastEventID string, fn DeliverFunc) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := &subscriber{ch: make(chan event, s.max), cancel: cancel}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	var replay []event
	if lastEventID != "" {
		for i, ev := range s.buffer {
			if ev.id == lastEventID {
				replay = append(replay, s.buffer[i+1:]...)
				break
			}
		}
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, sub)
		s.mu.Unlock()
	}()

	for _, ev := range replay {
		if err := fn(subCtx, ev.id, ev.data); err != nil {
			return err
		}
	}

	for {
		select {
		case ev := <-sub.ch:
			if err := fn(subCtx, ev.id, ev.data); err != nil {
				return err
			}
		case <-subCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Stream torn down underneath us.
			return nil
		}
	}
}

// close cancels all subscribers and rejects further publishes.
func (s *Stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subscribers {
		sub.cancel()
	}
}
