package consumer

import (
	"container/list"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/john/chatnexus/internal/message"
)

const (
	DefaultStoreCapacity = 5000
	RecentLimit          = 100
)

// AddResult says what Add did with a message.
type AddResult int

const (
	Rejected  AddResult = iota // duplicate, or a placeholder for a known ID
	Added                      // first sighting
	Finalized                  // final content replaced a placeholder
)

// Store holds the most recent messages keyed by ID, evicting the oldest
// arrival once full.
type Store struct {
	capacity int

	mu    sync.Mutex
	order *list.List // of uuid.UUID, oldest first
	byID  map[uuid.UUID]*list.Element
	msgs  map[uuid.UUID]message.ChatMessage
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &Store{
		capacity: capacity,
		order:    list.New(),
		byID:     map[uuid.UUID]*list.Element{},
		msgs:     map[uuid.UUID]message.ChatMessage{},
	}
}

// Add stores m. A placeholder is accepted only for an unseen ID, and a final
// message replaces a stored placeholder exactly once.
func (s *Store) Add(m message.ChatMessage) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.msgs[m.ID]
	switch {
	case !ok:
		s.byID[m.ID] = s.order.PushBack(m.ID)
		s.msgs[m.ID] = m
		for s.order.Len() > s.capacity {
			front := s.order.Front()
			id := front.Value.(uuid.UUID)
			s.order.Remove(front)
			delete(s.byID, id)
			delete(s.msgs, id)
		}
		return Added
	case old.IsPlaceholder && !m.IsPlaceholder:
		s.msgs[m.ID] = m
		return Finalized
	default:
		return Rejected
	}
}

// Remove deletes id and reports whether it was stored.
func (s *Store) Remove(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.byID[id]
	if !ok {
		return false
	}
	s.order.Remove(el)
	delete(s.byID, id)
	delete(s.msgs, id)
	return true
}

func (s *Store) Get(id uuid.UUID) (message.ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	return m, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Recent returns up to n of the latest arrivals, ordered by received_at.
func (s *Store) Recent(n int) []message.ChatMessage {
	s.mu.Lock()
	out := make([]message.ChatMessage, 0, min(n, s.order.Len()))
	for el := s.order.Back(); el != nil && len(out) < n; el = el.Prev() {
		out = append(out, s.msgs[el.Value.(uuid.UUID)])
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt < out[j].ReceivedAt })
	return out
}
