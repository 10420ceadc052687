// Copyright (c) 2025 The FileZap developers

package node

import (
	"sync"

	"github.com/VetheonGames/FileZap/chunknet/pkg/wire"
)

// pendingRequests maps outstanding request ids to the slot their response is
// delivered on. An entry is resolved at most once; the first response wins
// and later ones find no entry.
type pendingRequests struct {
	mtx   sync.Mutex
	slots map[wire.MessageID]chan []byte
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		slots: make(map[wire.MessageID]chan []byte),
	}
}

// add registers id and returns the channel its response will arrive on.
func (p *pendingRequests) add(id wire.MessageID) <-chan []byte {
	slot := make(chan []byte, 1)

	p.mtx.Lock()
	p.slots[id] = slot
	p.mtx.Unlock()

	return slot
}

// resolve delivers body to the waiter registered under id. It reports false
// when no such request is outstanding.
func (p *pendingRequests) resolve(id wire.MessageID, body []byte) bool {
	p.mtx.Lock()
	slot, ok := p.slots[id]
	if ok {
		delete(p.slots, id)
	}
	p.mtx.Unlock()

	if ok {
		// Buffered and written once, so this never blocks.
		slot <- body
	}
	return ok
}

// remove abandons id. Responses arriving afterwards are discarded.
func (p *pendingRequests) remove(id wire.MessageID) {
	p.mtx.Lock()
	delete(p.slots, id)
	p.mtx.Unlock()
}

func (p *pendingRequests) len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return len(p.slots)
}
