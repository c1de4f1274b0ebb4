package nearlock

import (
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// Sharding: cap shard count, scale by CPUs, round to power-of-two for
	// mask-based modulo.
	maxShardCount   = 256
	shardMultiplier = 4
)

// OwnerListener observes lock ownership changes on entries of a store.
// The cluster's future registry implements it; the store holds it as a
// non-owning handle so entries never reference futures directly.
type OwnerListener[K comparable, V any] interface {
	OnOwnerChanged(e *Entry[K, V], owner *Candidate)
}

// EventType enumerates store-level events.
type EventType uint8

const (
	// EventObjectRead is recorded when a lock acquisition observed a value.
	EventObjectRead EventType = iota + 1
)

// Event carries an observed store event to the configured sink.
type Event[K comparable, V any] struct {
	Type   EventType
	Key    K
	NewVal V
	OldVal V
	HasOld bool
}

type storeShard[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]*Entry[K, V]
}

// Store addresses entries by key. It is sharded by the xxhash of the
// encoded key to reduce lock contention. Removal marks the live entry
// obsolete so in-flight holders observe ErrEntryRemoved and re-fetch.
type Store[K comparable, V any] struct {
	shards    []*storeShard[K, V]
	shardMask uint64
	encode    func(K) []byte

	mu       sync.RWMutex
	listener OwnerListener[K, V]
	events   func(Event[K, V])
}

// NewStore creates a store with shardCount shards (0 picks a CPU-scaled
// power of two). encode must be stable; it feeds both sharding and the
// wire representation of keys.
func NewStore[K comparable, V any](shardCount int, encode func(K) []byte) *Store[K, V] {
	n := nextPowerOfTwo(shardCount)
	if shardCount <= 0 {
		n = nextPowerOfTwo(runtime.NumCPU() * shardMultiplier)
	}
	if n > maxShardCount {
		n = maxShardCount
	}

	s := &Store[K, V]{
		shards:    make([]*storeShard[K, V], n),
		shardMask: uint64(n - 1),
		encode:    encode,
	}
	for i := range s.shards {
		s.shards[i] = &storeShard[K, V]{data: make(map[K]*Entry[K, V])}
	}
	return s
}

// SetOwnerListener installs the ownership-change listener.
func (s *Store[K, V]) SetOwnerListener(l OwnerListener[K, V]) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// SetEventSink installs the event callback.
func (s *Store[K, V]) SetEventSink(fn func(Event[K, V])) {
	s.mu.Lock()
	s.events = fn
	s.mu.Unlock()
}

// EncodeKey returns the stable byte form of key.
func (s *Store[K, V]) EncodeKey(key K) []byte { return s.encode(key) }

func (s *Store[K, V]) shardFor(key K) *storeShard[K, V] {
	h := xxhash.Sum64(s.encode(key))
	return s.shards[h&s.shardMask]
}

// EntryExx returns the live entry for key, creating one when absent or
// when the mapped entry has been removed.
func (s *Store[K, V]) EntryExx(key K) *Entry[K, V] {
	sh := s.shardFor(key)

	sh.mu.RLock()
	e := sh.data[key]
	sh.mu.RUnlock()
	if e != nil && !e.Obsolete() {
		return e
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e = sh.data[key]; e != nil && !e.Obsolete() {
		return e
	}
	e = &Entry[K, V]{key: key, store: s}
	sh.data[key] = e
	return e
}

// Peek returns the entry for key without creating one; nil when absent or
// obsolete.
func (s *Store[K, V]) Peek(key K) *Entry[K, V] {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e := sh.data[key]
	sh.mu.RUnlock()
	if e == nil || e.Obsolete() {
		return nil
	}
	return e
}

// Remove deletes the entry for key, marking the removed entry obsolete.
func (s *Store[K, V]) Remove(key K) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	e := sh.data[key]
	if e != nil {
		delete(sh.data, key)
	}
	sh.mu.Unlock()

	if e == nil {
		return false
	}
	e.markObsolete()
	return true
}

// Len returns the number of mapped entries across shards.
func (s *Store[K, V]) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.data)
		sh.mu.RUnlock()
	}
	return n
}

func (s *Store[K, V]) notifyOwnerChanged(e *Entry[K, V], owner *Candidate) {
	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l != nil {
		l.OnOwnerChanged(e, owner)
	}
}

// RecordEvent forwards an event to the sink when one is configured.
func (s *Store[K, V]) RecordEvent(ev Event[K, V]) {
	s.mu.RLock()
	fn := s.events
	s.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}
