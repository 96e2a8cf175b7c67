package logstore

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore holds the log as a sorted slice plus an id index, adapting
// the teacher's logstore.go indexing style (an RWMutex guarding maps and a
// container/list.List) to the scribe's single ordered stream: instead of
// per-container retention, eviction here is purely count-based (MaxLen),
// oldest first, matching LogDBList.merge_logs's base[:] = base[-maxlen:]
// truncation in the original implementation.
type InMemoryStore struct {
	mu      sync.RWMutex
	maxLen  int
	ids     []MsgID // sorted ascending, kept in sync with byID
	byID    map[MsgID]LogEntry
	uuids   map[uint64]string
	uuidFIFO []uint64 // insertion order, for uuid-table truncation
	closed  bool
}

// NewInMemoryStore creates a store that retains at most maxLen entries. A
// maxLen of 0 means unlimited.
func NewInMemoryStore(maxLen int) *InMemoryStore {
	return &InMemoryStore{
		maxLen: maxLen,
		byID:   make(map[MsgID]LogEntry),
		uuids:  make(map[uint64]string),
	}
}

func (s *InMemoryStore) Add(ctx context.Context, e LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.byID[e.ID]; !exists {
		i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= e.ID })
		s.ids = append(s.ids, 0)
		copy(s.ids[i+1:], s.ids[i:])
		s.ids[i] = e.ID
	}
	s.byID[e.ID] = e
	s.evictLocked()
	return nil
}

func (s *InMemoryStore) evictLocked() {
	if s.maxLen <= 0 {
		return
	}
	for len(s.ids) > s.maxLen {
		oldest := s.ids[0]
		s.ids = s.ids[1:]
		delete(s.byID, oldest)
	}
}

func (s *InMemoryStore) Delete(ctx context.Context, id MsgID) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return LogEntry{}, ErrClosed
	}
	e, ok := s.byID[id]
	if !ok {
		return LogEntry{}, ErrNotFound
	}
	delete(s.byID, id)
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i < len(s.ids) && s.ids[i] == id {
		s.ids = append(s.ids[:i], s.ids[i+1:]...)
	}
	return e, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id MsgID) (LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return LogEntry{}, ErrClosed
	}
	e, ok := s.byID[id]
	if !ok {
		return LogEntry{}, ErrNotFound
	}
	return e, nil
}

// GetAt returns the entry at index in ascending id order, with negative
// indices counting from the end (-1 is the newest entry).
func (s *InMemoryStore) GetAt(ctx context.Context, index int) (LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return LogEntry{}, ErrClosed
	}
	if index < 0 {
		index += len(s.ids)
	}
	if index < 0 || index >= len(s.ids) {
		return LogEntry{}, ErrNotFound
	}
	return s.byID[s.ids[index]], nil
}

func (s *InMemoryStore) Query(ctx context.Context, r QueryRange) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	lo := 0
	if r.From != nil {
		lo = sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= *r.From })
	}
	hi := len(s.ids)
	if r.To != nil {
		hi = sort.Search(len(s.ids), func(i int) bool { return s.ids[i] > *r.To })
	}
	if lo > hi {
		lo = hi
	}
	window := s.ids[lo:hi]

	if r.Amount > 0 && len(window) > r.Amount {
		if r.From != nil {
			window = window[:r.Amount]
		} else {
			window = window[len(window)-r.Amount:]
		}
	}

	out := make([]LogEntry, len(window))
	for i, id := range window {
		out[i] = s.byID[id]
	}
	return out, nil
}

func (s *InMemoryStore) AddUUID(ctx context.Context, sender uint64, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	checkUUID(uuid)
	if _, exists := s.uuids[sender]; !exists {
		s.uuidFIFO = append(s.uuidFIFO, sender)
	}
	s.uuids[sender] = uuid
	if s.maxLen > 0 {
		for len(s.uuidFIFO) > s.maxLen {
			oldest := s.uuidFIFO[0]
			s.uuidFIFO = s.uuidFIFO[1:]
			delete(s.uuids, oldest)
		}
	}
	return nil
}

func (s *InMemoryStore) QueryUUIDs(ctx context.Context) (map[uint64]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[uint64]string, len(s.uuids))
	for k, v := range s.uuids {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) Bounds(ctx context.Context) (oldest, newest MsgID, count int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, 0, 0, ErrClosed
	}
	if len(s.ids) == 0 {
		return 0, 0, 0, nil
	}
	return s.ids[0], s.ids[len(s.ids)-1], len(s.ids), nil
}

func (s *InMemoryStore) Stats(ctx context.Context) (Stats, error) {
	oldest, newest, count, err := s.Bounds(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.mu.RLock()
	uuidCount := len(s.uuids)
	s.mu.RUnlock()
	return Stats{Count: count, Oldest: oldest, Newest: newest, UUIDCount: uuidCount}, nil
}

// Trim is a no-op for InMemoryStore: evictLocked already enforces maxLen on
// every Add, so there is never a backlog to clear out here. It still
// reports ErrClosed after Close, matching every other operation.
func (s *InMemoryStore) Trim(ctx context.Context, maxLen int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return 0, nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
