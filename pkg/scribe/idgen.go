package scribe

import (
	"sync"
	"time"

	"chat-scribe/pkg/logstore"
)

// idGenerator mints MsgIDs from wall-clock time plus a per-millisecond
// sequence counter, so that messages minted within the same millisecond
// still sort in the order they were minted.
type idGenerator struct {
	mu     sync.Mutex
	lastMS int64
	seq    uint32
}

func (g *idGenerator) next(now time.Time) logstore.MsgID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := now.UnixMilli()
	if ms == g.lastMS {
		g.seq++
	} else {
		g.lastMS = ms
		g.seq = 0
	}
	return logstore.NewMsgID(now, g.seq)
}
