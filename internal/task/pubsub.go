package task

import (
	"sync"

	"fable/internal/utils"
)

// subscribers fans task events out to bounded per-subscriber channels.
// Publish never blocks the producer: when a subscriber's buffer is full a
// progress event is dropped, while a terminal event evicts the oldest
// buffered event so the final state always gets through.
type subscribers struct {
	mu      sync.Mutex
	chans   map[int]chan Event
	nextID  int
	closed  bool
	buffer  int
	dropped func()
	logger  *utils.Logger
}

func newSubscribers(buffer int, dropped func()) *subscribers {
	if buffer < 1 {
		buffer = 1
	}
	if dropped == nil {
		dropped = func() {}
	}
	return &subscribers{
		chans:   make(map[int]chan Event),
		buffer:  buffer,
		dropped: dropped,
		logger:  utils.NewComponentLogger("TaskEvents"),
	}
}

// add registers a new subscriber. The replay event is queued before the
// channel is published so a late joiner always sees the current state first.
// A terminal replay closes the stream right away instead of registering; the
// subscriber already has the final state, so a later publish must not deliver
// it a second time.
func (s *subscribers) add(replay Event) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, s.buffer)
	ch <- replay
	if s.closed || replay.Terminal {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.chans[id] = ch
	return ch, func() { s.remove(id) }
}

func (s *subscribers) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.chans[id]; ok {
		delete(s.chans, id)
		close(ch)
	}
}

func (s *subscribers) publish(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for id, ch := range s.chans {
		select {
		case ch <- event:
			continue
		default:
		}

		if !event.Terminal {
			s.logger.Warn("subscriber %d buffer full for task %s, dropping progress event", id, event.TaskID)
			s.dropped()
			continue
		}

		// Make room for the terminal event; the subscriber can lose an
		// intermediate update but never the final state.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
			s.logger.Warn("subscriber %d buffer full for task %s, evicted oldest event for terminal delivery", id, event.TaskID)
		default:
			s.dropped()
		}
	}

	if event.Terminal {
		s.closed = true
		for id, ch := range s.chans {
			delete(s.chans, id)
			close(ch)
		}
	}
}
