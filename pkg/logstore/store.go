// Package logstore persists the scribe's view of chat history: the
// sequence of posts and deletions it has recorded, plus the sender-to-uuid
// map that lets a reconnecting peer be recognized across connections. It
// adapts the teacher repo's container/list-and-maps indexing style
// (pkg/logstore/logstore.go in the teacher tree) to a single ordered log
// instead of a per-container index, and its SQLite-backed variant adapts
// the teacher's gorm+goose pattern (pkg/store/store.go) to the bit-exact
// schema the wire protocol expects.
package logstore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get and Delete when the id is unknown.
var ErrNotFound = errors.New("logstore: entry not found")

// ErrClosed is returned by any operation performed after Close.
var ErrClosed = errors.New("logstore: store is closed")

// LogEntry is one recorded post. A deletion removes the entry outright
// (see Store.Delete) rather than tombstoning it in place.
type LogEntry struct {
	ID     MsgID
	Parent *MsgID
	Sender uint64
	Nick   string
	Text   string
}

// QueryRange selects a window of entries by id bounds and/or count. A nil
// bound is unconstrained; Amount of 0 is unlimited.
//
// The combination of bounds decides direction: with From set, Amount takes
// the oldest matching entries; without From but with To and/or Amount set,
// Amount takes the newest matching entries up to To. Either way the result
// is returned in ascending id order.
type QueryRange struct {
	From   *MsgID
	To     *MsgID
	Amount int
}

// Stats summarizes store contents, supplementing the core query surface
// for diagnostics.
type Stats struct {
	Count     int
	Oldest    MsgID
	Newest    MsgID
	UUIDCount int
}

// Store is the persistence abstraction both InMemoryStore and SQLiteStore
// satisfy. The scribe engine only ever calls these from its dispatcher
// goroutine, so implementations need not guard against concurrent writers,
// only concurrent readers racing a writer (which InMemoryStore handles with
// an RWMutex and SQLiteStore delegates to SQLite's own locking).
type Store interface {
	// Add records a new entry. Adding an entry whose ID already exists
	// replaces it in place, matching INSERT OR REPLACE semantics.
	Add(ctx context.Context, e LogEntry) error

	// Delete removes the entry at id, returning the removed entry. It
	// returns ErrNotFound if id is unknown.
	Delete(ctx context.Context, id MsgID) (LogEntry, error)

	// Get returns the entry at id, or ErrNotFound.
	Get(ctx context.Context, id MsgID) (LogEntry, error)

	// GetAt returns the entry at the given position in ascending id order,
	// matching the order Query returns. A negative index counts from the
	// end, so GetAt(ctx, -1) is the newest entry. GetAt(ctx, 0) is the
	// oldest. Returns ErrNotFound if index is out of range.
	GetAt(ctx context.Context, index int) (LogEntry, error)

	// Query returns entries within r, ascending by id.
	Query(ctx context.Context, r QueryRange) ([]LogEntry, error)

	// AddUUID records the persistent uuid for a numeric sender id.
	AddUUID(ctx context.Context, sender uint64, uuid string) error

	// QueryUUIDs returns the full sender-to-uuid map.
	QueryUUIDs(ctx context.Context) (map[uint64]string, error)

	// Bounds reports the oldest id, newest id, and total count currently
	// stored, as used when answering or initiating a gossip round.
	Bounds(ctx context.Context) (oldest, newest MsgID, count int, err error)

	// Stats reports store-wide counters for diagnostics.
	Stats(ctx context.Context) (Stats, error)

	// Trim enforces a retention cap, deleting the oldest entries beyond
	// maxLen and reporting how many were removed. InMemoryStore already
	// evicts on every Add and treats this as a no-op; SQLiteStore has no
	// such per-write cap, so cmd/scribe's maintenance job calls Trim
	// periodically instead (see NewMaintenanceScheduler).
	Trim(ctx context.Context, maxLen int) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// checkUUID warns when s doesn't parse as a canonical UUID. Peers exchanging
// uuid bindings are still accepted verbatim - the original protocol never
// guaranteed canonical form - but a malformed value is worth surfacing
// since it usually means the wire codec mis-decoded a field.
func checkUUID(s string) {
	if _, err := uuid.Parse(s); err != nil {
		slog.Warn("logstore: storing non-canonical uuid", "uuid", s, "error", err)
	}
}
