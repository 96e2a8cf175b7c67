package scribe

import (
	"io"
	"sync"
	"time"

	"chat-scribe/pkg/logline"
)

// archive writes the scribe's append-only activity record: one log-line
// entry per post, deletion, uuid binding, and gossip exchange. It is
// intentionally separate from the ambient log/slog diagnostics stream
// (see cmd/scribe's logging setup) - this is the archival record itself,
// the thing the scribe exists to produce.
type archive struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

// NewArchive builds an archival log-line writer over out. Passing a nil out
// produces an archive whose writes are silently discarded.
func NewArchive(out io.Writer) *archive {
	return &archive{out: out, now: time.Now}
}

// Write appends one tagged record to the archival log. It is exported so
// cmd/scribe can record the connection lifecycle tags (SCRIBE, OPENING,
// READING, LOGBOUNDS, CONNECT, ...) that happen outside the Scribe engine
// itself.
func (a *archive) Write(tag string, fields ...logline.Field) {
	if a.out == nil {
		return
	}
	line := logline.Format(tag, a.now(), fields...) + "\n"
	a.mu.Lock()
	defer a.mu.Unlock()
	io.WriteString(a.out, line)
}
