// Copyright (c) 2025 The FileZap developers

package fileshare

import (
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/VetheonGames/FileZap/chunknet/pkg/peer"
)

// DefaultLocationCacheSize is the number of content keys whose holders are
// remembered.
const DefaultLocationCacheSize = 1 << 16

// locations is an advisory map from content key to the connections that
// announced holding it. Entries may be stale.
type locations struct {
	// mtx makes the read-modify-write of a holder list atomic.
	mtx   sync.Mutex
	cache *lru.Cache[ContentKey, []peer.ID]
}

func newLocations(size int) (*locations, error) {
	cache, err := lru.New[ContentKey, []peer.ID](size)
	if err != nil {
		return nil, err
	}
	return &locations{cache: cache}, nil
}

func (l *locations) add(key ContentKey, id peer.ID) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	holders, _ := l.cache.Get(key)
	if slices.Contains(holders, id) {
		return
	}
	l.cache.Add(key, append(slices.Clone(holders), id))
}

func (l *locations) remove(key ContentKey, id peer.ID) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	holders, ok := l.cache.Peek(key)
	if !ok {
		return
	}
	i := slices.Index(holders, id)
	if i < 0 {
		return
	}
	if len(holders) == 1 {
		l.cache.Remove(key)
		return
	}
	l.cache.Add(key, slices.Delete(slices.Clone(holders), i, i+1))
}

func (l *locations) holders(key ContentKey) []peer.ID {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	holders, _ := l.cache.Get(key)
	return slices.Clone(holders)
}
