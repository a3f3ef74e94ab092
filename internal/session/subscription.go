package session

import "sync"

// Subscription delivers events in publication order. The queue behind it is
// unbounded so a slow reader never stalls the orchestrator.
type Subscription struct {
	out    chan Event
	notify chan struct{}
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	queue []Event
}

func newSubscription() *Subscription {
	s := &Subscription{
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events returns the event channel. It is closed after Close or once the
// orchestrator stops.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close stops delivery. Undelivered events are dropped.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.closed:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.closed:
			return
		}
	}
}
