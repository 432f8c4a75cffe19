package content

import (
	"sort"
	"sync"
	"time"
)

// Snapshot is the current published value of one collection.
type Snapshot struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Version   string    `json:"version,omitempty"`
	Source    Source    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
	// Seq increases with every publish across all keys.
	Seq uint64 `json:"seq"`
}

// Event announces a publish. It carries no value; subscribers call Get.
type Event struct {
	Key     string    `json:"key"`
	Version string    `json:"version,omitempty"`
	Source  Source    `json:"source"`
	Seq     uint64    `json:"seq"`
	At      time.Time `json:"at"`
}

// CollectionStore holds the latest decoded value per collection for the
// rest of the process. Publishing never blocks on subscribers: an event for
// a full subscriber buffer is dropped and counted.
type CollectionStore struct {
	mu      sync.RWMutex
	items   map[string]Snapshot
	subs    map[uint64]chan Event
	nextSub uint64
	seq     uint64
	dropped uint64
	now     func() time.Time
}

func NewCollectionStore() *CollectionStore {
	return &CollectionStore{
		items: make(map[string]Snapshot),
		subs:  make(map[uint64]chan Event),
		now:   time.Now,
	}
}

// Publish replaces the value for key and notifies subscribers.
func (s *CollectionStore) Publish(key string, value any, version string, source Source) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	snap := Snapshot{
		Key:       key,
		Value:     value,
		Version:   version,
		Source:    source,
		UpdatedAt: s.now().UTC(),
		Seq:       s.seq,
	}
	s.items[key] = snap

	ev := Event{Key: key, Version: version, Source: source, Seq: snap.Seq, At: snap.UpdatedAt}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped++
		}
	}
	return snap
}

func (s *CollectionStore) Get(key string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[key]
	return snap, ok
}

// Keys returns the published keys in sorted order.
func (s *CollectionStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Snapshots returns every published snapshot ordered by key.
func (s *CollectionStore) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.items))
	for _, snap := range s.items {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

// Subscribe returns a channel of publish events and a cancel func that
// unsubscribes and closes the channel. buffer below 1 is raised to 1.
func (s *CollectionStore) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped reports how many events were discarded for full subscriber buffers.
func (s *CollectionStore) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// ValueAs returns the published value for key when it has type T.
func ValueAs[T any](s *CollectionStore, key string) (T, bool) {
	var zero T
	snap, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	value, ok := snap.Value.(T)
	if !ok {
		return zero, false
	}
	return value, true
}
