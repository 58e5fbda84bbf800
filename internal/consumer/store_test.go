package consumer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/john/chatnexus/internal/message"
)

func at(ms int64) message.ChatMessage {
	m := message.New(uuid.New(), "rumble", "c", time.UnixMilli(ms))
	return m
}

func TestStoreAddRules(t *testing.T) {
	s := NewStore(10)
	m := at(1)
	assert.Equal(t, Added, s.Add(m))
	assert.Equal(t, Rejected, s.Add(m))

	ph := at(2)
	ph.IsPlaceholder = true
	assert.Equal(t, Added, s.Add(ph))
	assert.Equal(t, Rejected, s.Add(ph))
	final := ph
	final.IsPlaceholder = false
	assert.Equal(t, Finalized, s.Add(final))
	assert.Equal(t, Rejected, s.Add(final))

	late := m
	late.IsPlaceholder = true
	assert.Equal(t, Rejected, s.Add(late), "a placeholder never replaces content")
}

func TestStoreEvictsOldest(t *testing.T) {
	s := NewStore(3)
	var ids []uuid.UUID
	for i := int64(0); i < 5; i++ {
		m := at(i)
		ids = append(ids, m.ID)
		s.Add(m)
	}
	assert.Equal(t, 3, s.Len())
	_, ok := s.Get(ids[0])
	assert.False(t, ok)
	_, ok = s.Get(ids[4])
	assert.True(t, ok)

	assert.True(t, s.Remove(ids[3]))
	assert.False(t, s.Remove(ids[3]))
	assert.Equal(t, 2, s.Len())
}

func TestStoreRecent(t *testing.T) {
	s := NewStore(500)
	for i := int64(200); i > 0; i-- {
		s.Add(at(i))
	}
	recent := s.Recent(RecentLimit)
	assert.Len(t, recent, RecentLimit)
	for i := 1; i < len(recent); i++ {
		assert.LessOrEqual(t, recent[i-1].ReceivedAt, recent[i].ReceivedAt)
	}
	assert.Equal(t, int64(1), recent[0].ReceivedAt, "the latest arrivals, not the latest timestamps")
}
