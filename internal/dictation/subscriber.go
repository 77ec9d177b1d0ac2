package dictation

import (
	"sync"

	"github.com/loqalabs/loqa-dictate/internal/domain"
)

// subscriber forwards status events through an unbounded queue so ordering holds and the
// sequencer never blocks on a reader.
type subscriber struct {
	out  chan domain.StatusEvent
	wake chan struct{}
	stop chan struct{}

	mu       sync.Mutex
	queue    []domain.StatusEvent
	draining bool
	stopOnce sync.Once
}

func newSubscriber(buffer int) *subscriber {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{
		out:  make(chan domain.StatusEvent, buffer),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev domain.StatusEvent) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish delivers what is queued, then closes out.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

// cancel drops anything queued and closes out.
func (s *subscriber) cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.wake:
			case <-s.stop:
				return
			}
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}
