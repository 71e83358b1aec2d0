package channel

import (
	"sync"
	"time"

	"coopmsg/internal/domain"
)

// StateChange is emitted on every session state transition.
//
// Contract:
//   - publish is non-blocking; slow subscribers drop events.
//   - subscribers own buffered channels and must unsubscribe when done.
type StateChange struct {
	From domain.SessionState
	To   domain.SessionState
	Kind domain.ErrorKind
	At   time.Time
}

type subscribers struct {
	mu   sync.RWMutex
	subs map[uint64]chan StateChange
	seq  uint64
}

func newSubscribers() *subscribers {
	return &subscribers{subs: map[uint64]chan StateChange{}}
}

func (s *subscribers) publish(e StateChange) {
	// Snapshot so publish never holds the lock while sending.
	s.mu.RLock()
	chs := make([]chan StateChange, 0, len(s.subs))
	for _, ch := range s.subs {
		chs = append(chs, ch)
	}
	s.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close the channel under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (s *subscribers) subscribe(buffer int) (<-chan StateChange, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan StateChange, buffer)

	s.mu.Lock()
	s.seq++
	id := s.seq
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
