package session

import (
	"hash/fnv"
	"sync"
)

// ShardedStore holds sessions keyed by call identifier across multiple
// shards to reduce lock contention under concurrent signaling load.
type ShardedStore struct {
	shards    []*storeShard
	shardMask uint32
}

type storeShard struct {
	items map[string]*Session
	mu    sync.RWMutex
}

// NewShardedStore creates a store with the specified number of shards.
// shardCount must be a power of two for efficient shard selection.
func NewShardedStore(shardCount int) *ShardedStore {
	// Ensure shard count is a power of 2 for efficient masking
	if shardCount <= 0 || (shardCount&(shardCount-1)) != 0 {
		shardCount = 16
	}

	s := &ShardedStore{
		shards:    make([]*storeShard, shardCount),
		shardMask: uint32(shardCount - 1),
	}
	for i := 0; i < shardCount; i++ {
		s.shards[i] = &storeShard{
			items: make(map[string]*Session),
		}
	}
	return s
}

func (s *ShardedStore) getShard(callID string) *storeShard {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return s.shards[h.Sum32()&s.shardMask]
}

// GetOrCreate returns the session for callID, creating it with the
// given constructor when absent. The check and the insert happen under
// one shard lock, so two concurrent opens of the same call cannot both
// create a session.
func (s *ShardedStore) GetOrCreate(callID string, create func() *Session) (*Session, bool) {
	shard := s.getShard(callID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if sess, ok := shard.items[callID]; ok {
		return sess, false
	}
	sess := create()
	shard.items[callID] = sess
	return sess, true
}

// Load retrieves the session for callID
func (s *ShardedStore) Load(callID string) (*Session, bool) {
	shard := s.getShard(callID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	sess, ok := shard.items[callID]
	return sess, ok
}

// Delete removes the session for callID
func (s *ShardedStore) Delete(callID string) {
	shard := s.getShard(callID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.items, callID)
}

// Range iterates over all sessions. The provided function is called for
// each session; returning false stops the iteration.
func (s *ShardedStore) Range(f func(callID string, sess *Session) bool) {
	for _, shard := range s.shards {
		shard.mu.RLock()
		for callID, sess := range shard.items {
			if !f(callID, sess) {
				shard.mu.RUnlock()
				return
			}
		}
		shard.mu.RUnlock()
	}
}

// Count returns the total number of sessions across all shards
func (s *ShardedStore) Count() int {
	count := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		count += len(shard.items)
		shard.mu.RUnlock()
	}
	return count
}
