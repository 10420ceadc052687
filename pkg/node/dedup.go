// Copyright (c) 2025 The FileZap developers

package node

import (
	"sync"

	"github.com/decred/dcrd/lru"

	"github.com/VetheonGames/FileZap/chunknet/pkg/wire"
)

// processedSet remembers the ids of requests and broadcasts that have been
// dispatched. It holds at most limit ids; the least recently seen are evicted
// first.
type processedSet struct {
	mtx   sync.Mutex
	cache lru.Cache
}

func newProcessedSet(limit uint) *processedSet {
	return &processedSet{cache: lru.NewCache(limit)}
}

// markIfNew records id and reports whether it had not been seen before. The
// test and the insert happen under one lock so concurrent receive loops
// cannot both claim the same id.
func (s *processedSet) markIfNew(id wire.MessageID) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.cache.Contains(id) {
		return false
	}
	s.cache.Add(id)
	return true
}
