// Package dedup suppresses re-processing of events that already carry a
// known canonical ID.
//
// A message goes through at most two phases: an optional placeholder that
// reserves the ID, then the final content. Admit lets each phase through once
// and rejects everything else.
package dedup

import (
	"container/list"
	"context"
	"sync"

	"github.com/google/uuid"
)

// DefaultCapacity bounds the in-memory set when none is configured.
const DefaultCapacity = 10000

// Filter decides whether an event with the given ID should be emitted.
type Filter interface {
	Admit(ctx context.Context, id uuid.UUID, placeholder bool) (bool, error)
}

type state uint8

const (
	statePlaceholder state = iota + 1
	stateFinal
)

// decide is the shared transition table for every backend.
func decide(prev state, placeholder bool) (next state, admit bool) {
	switch {
	case prev == 0 && placeholder:
		return statePlaceholder, true
	case prev == 0:
		return stateFinal, true
	case prev == statePlaceholder && !placeholder:
		return stateFinal, true
	default:
		return prev, false
	}
}

// Memory is a bounded in-process Filter. The oldest IDs are evicted first
// once capacity is reached, so a very late duplicate may slip through.
type Memory struct {
	mu       sync.Mutex
	capacity int
	states   map[uuid.UUID]*list.Element
	order    *list.List
}

type entry struct {
	id    uuid.UUID
	state state
}

// NewMemory creates a Memory filter holding up to capacity IDs.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		capacity: capacity,
		states:   make(map[uuid.UUID]*list.Element, capacity),
		order:    list.New(),
	}
}

// Admit implements Filter. It never returns an error.
func (m *Memory) Admit(_ context.Context, id uuid.UUID, placeholder bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.states[id]; ok {
		e := el.Value.(*entry)
		next, admit := decide(e.state, placeholder)
		e.state = next
		return admit, nil
	}

	next, admit := decide(0, placeholder)
	m.states[id] = m.order.PushBack(&entry{id: id, state: next})
	for m.order.Len() > m.capacity {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		delete(m.states, oldest.Value.(*entry).id)
	}
	return admit, nil
}

// Len returns the number of tracked IDs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
