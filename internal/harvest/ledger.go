package harvest

import "github.com/google/uuid"

const defaultLedgerCapacity = 10000

// ledger remembers which IDs were emitted and by whom, oldest evicted first.
type ledger struct {
	capacity int
	order    []uuid.UUID
	authors  map[uuid.UUID]string
	byName   map[string][]uuid.UUID
}

func newLedger(capacity int) *ledger {
	if capacity <= 0 {
		capacity = defaultLedgerCapacity
	}
	return &ledger{
		capacity: capacity,
		authors:  make(map[uuid.UUID]string),
		byName:   make(map[string][]uuid.UUID),
	}
}

func (l *ledger) has(id uuid.UUID) bool {
	_, ok := l.authors[id]
	return ok
}

func (l *ledger) record(id uuid.UUID) {
	if l.has(id) {
		return
	}
	l.authors[id] = ""
	l.order = append(l.order, id)
	for len(l.order) > l.capacity {
		l.evict(l.order[0])
		l.order = l.order[1:]
	}
}

// attribute links a recorded ID to author. The first attribution wins.
func (l *ledger) attribute(author string, id uuid.UUID) {
	prev, ok := l.authors[id]
	if !ok || prev != "" {
		return
	}
	l.authors[id] = author
	l.byName[author] = append(l.byName[author], id)
}

func (l *ledger) byAuthor(author string) []uuid.UUID {
	ids := l.byName[author]
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if l.has(id) {
			out = append(out, id)
		}
	}
	return out
}

func (l *ledger) evict(id uuid.UUID) {
	author := l.authors[id]
	delete(l.authors, id)
	if author == "" {
		return
	}
	ids := l.byName[author]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(l.byName, author)
	} else {
		l.byName[author] = ids
	}
}
