package scribe

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"chat-scribe/pkg/botcore"
	"chat-scribe/pkg/logstore"
	"chat-scribe/pkg/scheduler"
	"chat-scribe/pkg/transport"
)

type call struct {
	kind string // "broadcast" or "unicast"
	dest string
	data any
}

type fakeSender struct {
	calls  []call
	closed bool
}

func (f *fakeSender) SendBroadcast(data any) (uint64, error) {
	f.calls = append(f.calls, call{kind: "broadcast", data: data})
	return uint64(len(f.calls)), nil
}

func (f *fakeSender) SendUnicast(dest string, data any) (uint64, error) {
	f.calls = append(f.calls, call{kind: "unicast", dest: dest, data: data})
	return uint64(len(f.calls)), nil
}

func (f *fakeSender) SendTo(dest string, data any) (uint64, error) {
	if dest == "" {
		return f.SendBroadcast(data)
	}
	return f.SendUnicast(dest, data)
}

func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

func newTestScribe(opts Options) (*Scribe, *fakeSender, logstore.Store, *scheduler.Scheduler) {
	sender := &fakeSender{}
	store := logstore.NewInMemoryStore(0)
	sched := scheduler.New()
	s := New(nil, store, sched, opts)
	s.client = sender
	return s, sender, store, sched
}

func TestHandlePostMintsAndStoresEntry(t *testing.T) {
	s, _, store, _ := newTestScribe(Options{})
	raw, _ := json.Marshal(postMsg{Type: "post", Nick: "alice", Text: "hi"})
	s.handleClientMessage("7", raw)

	entries, err := store.Query(nil, logstore.QueryRange{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Nick != "alice" || entries[0].Text != "hi" {
		t.Errorf("entry = %#v", entries[0])
	}
	if entries[0].Sender != 7 {
		t.Errorf("Sender = %d, want 7", entries[0].Sender)
	}
}

func TestReadOnlyModeDoesNotStorePosts(t *testing.T) {
	s, _, store, _ := newTestScribe(Options{ReadOnly: true})
	raw, _ := json.Marshal(postMsg{Type: "post", Nick: "alice", Text: "hi"})
	s.handleClientMessage("7", raw)

	entries, _ := store.Query(nil, logstore.QueryRange{})
	if len(entries) != 0 {
		t.Fatalf("got %d entries in read-only mode, want 0", len(entries))
	}
}

func TestHandleLogQueryReplies(t *testing.T) {
	s, sender, store, _ := newTestScribe(Options{})
	id := logstore.NewMsgID(time.Now(), 0)
	store.Add(nil, logstore.LogEntry{ID: id, Nick: "a", Text: "x"})

	raw, _ := json.Marshal(logQueryMsg{Type: "log-query", From: "0"})
	s.handleClientMessage("peerA", raw)

	if len(sender.calls) != 1 || sender.calls[0].kind != "unicast" || sender.calls[0].dest != "peerA" {
		t.Fatalf("calls = %#v", sender.calls)
	}
	reply, ok := sender.calls[0].data.(logInfoMsg)
	if !ok {
		t.Fatalf("reply data = %#v, want logInfoMsg", sender.calls[0].data)
	}
	if reply.From != id.String() {
		t.Errorf("reply.From = %q, want %q", reply.From, id.String())
	}
}

func TestHandleLogQueryIgnoresSelf(t *testing.T) {
	s, sender, store, _ := newTestScribe(Options{})
	id := logstore.NewMsgID(time.Now(), 0)
	store.Add(nil, logstore.LogEntry{ID: id, Nick: "a", Text: "x"})
	s.handleIdentity(botcore.Identity{ID: "self-id", UUID: "self-uuid"})
	sender.calls = nil // clear the log-inquiry and log-query broadcasts handleIdentity triggers

	raw, _ := json.Marshal(logQueryMsg{Type: "log-query", From: "self-id"})
	s.handleClientMessage("self-id", raw)

	if len(sender.calls) != 0 {
		t.Fatalf("calls = %#v, want no reply to our own log-query", sender.calls)
	}
}

func TestHandleNickRecordsBindingAndArchivesOnce(t *testing.T) {
	var buf bytes.Buffer
	s, _, store, _ := newTestScribe(Options{Archive: NewArchive(&buf)})

	raw, _ := json.Marshal(nickMsg{Type: "nick", Nick: "alice", UUID: "uuid-alice"})
	s.handleClientMessage("7", raw)

	uuids, err := store.QueryUUIDs(context.Background())
	if err != nil || uuids[parseSender("7")] != "uuid-alice" {
		t.Fatalf("QueryUUIDs = %v, err=%v", uuids, err)
	}

	// A repeat of the same binding must not re-archive a UUID line.
	before := buf.String()
	s.handleClientMessage("7", raw)
	after := buf.String()
	if strings.Count(after, "UUID") != strings.Count(before, "UUID") {
		t.Errorf("UUID line archived again for an unchanged binding:\nbefore=%q\nafter=%q", before, after)
	}
	if !strings.Contains(before, "NICK") || !strings.Contains(before, "UUID") {
		t.Errorf("expected NICK and UUID archival lines, got %q", before)
	}
}

func TestJoinedFrameRecordsUUIDWithoutNick(t *testing.T) {
	var buf bytes.Buffer
	s, _, store, sched := newTestScribe(Options{Archive: NewArchive(&buf)})

	data, _ := json.Marshal(joinedData{ID: "9", UUID: "uuid-nine"})
	s.OnMessage(transport.Envelope{Type: "joined", Data: data})
	for sched.Len() > 0 {
		sched.RunOnce(false)
	}

	uuids, err := store.QueryUUIDs(context.Background())
	if err != nil || uuids[parseSender("9")] != "uuid-nine" {
		t.Fatalf("QueryUUIDs = %v, err=%v", uuids, err)
	}
	if strings.Contains(buf.String(), "NICK") {
		t.Errorf("joined frame without a nick should not archive a NICK line, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "UUID") {
		t.Errorf("expected a UUID archival line, got %q", buf.String())
	}
}

func TestCandidateSelectionPrefersOlder(t *testing.T) {
	s, _, _, _ := newTestScribe(Options{})

	olderID := logstore.NewMsgID(time.UnixMilli(1000), 0)
	newerID := logstore.NewMsgID(time.UnixMilli(5000), 0)

	raw1, _ := json.Marshal(logInfoMsg{Type: "log-info", From: newerID.String()})
	s.handleClientMessage("peerNew", raw1)

	s.mu.Lock()
	first := s.curCandidate
	s.mu.Unlock()
	if first == nil || first.peer != "peerNew" {
		t.Fatalf("first candidate = %#v", first)
	}

	raw2, _ := json.Marshal(logInfoMsg{Type: "log-info", From: olderID.String()})
	s.handleClientMessage("peerOld", raw2)

	s.mu.Lock()
	second := s.curCandidate
	s.mu.Unlock()
	if second == nil || second.peer != "peerOld" {
		t.Fatalf("candidate did not switch to older peer: %#v", second)
	}

	// A later, non-older candidate must not displace it.
	raw3, _ := json.Marshal(logInfoMsg{Type: "log-info", From: newerID.String()})
	s.handleClientMessage("peerNew2", raw3)
	s.mu.Lock()
	third := s.curCandidate
	s.mu.Unlock()
	if third != second {
		t.Fatalf("a newer candidate displaced the older one: %#v", third)
	}
}

func TestStaleCandidateTokenDropped(t *testing.T) {
	s, sender, _, _ := newTestScribe(Options{})

	stale := &candidate{peer: "stale-peer", oldest: 1, reqTo: 1}
	s.mu.Lock()
	s.curCandidate = &candidate{peer: "current-peer", oldest: 1, reqTo: 1}
	s.mu.Unlock()

	s.sendRequest(stale)
	if len(sender.calls) != 0 {
		t.Fatalf("stale candidate triggered a send: %#v", sender.calls)
	}
}

func TestHandleDeleteRemovesEntry(t *testing.T) {
	s, _, store, _ := newTestScribe(Options{})
	id := logstore.NewMsgID(time.Now(), 0)
	store.Add(nil, logstore.LogEntry{ID: id, Nick: "a", Text: "bye"})

	raw, _ := json.Marshal(deleteMsg{Type: "delete", ID: id.String()})
	s.handleClientMessage("peer", raw)

	if _, err := store.Get(nil, id); err != logstore.ErrNotFound {
		t.Errorf("entry still present after delete, err = %v", err)
	}
}

func TestPushNextDrainsQueueThenBroadcastsInquiry(t *testing.T) {
	s, sender, _, sched := newTestScribe(Options{PushLogs: []string{"p1", "p2"}})
	s.pushQueue = []string{"p1", "p2"}

	s.pushNext()
	for sched.Len() > 0 {
		sched.RunOnce(false)
	}

	var unicasts, broadcasts int
	for _, c := range sender.calls {
		if c.kind == "unicast" {
			unicasts++
		} else {
			broadcasts++
		}
	}
	if unicasts != 2 {
		t.Errorf("unicasts = %d, want 2 (one push per peer)", unicasts)
	}
	if broadcasts != 1 {
		t.Errorf("broadcasts = %d, want 1 (final log-inquiry)", broadcasts)
	}
}

func TestLogsFinishClosesWhenDontStay(t *testing.T) {
	s, sender, _, _ := newTestScribe(Options{DontStay: true})
	s.logsFinish()
	if !sender.closed {
		t.Error("connection was not closed after logsFinish with DontStay")
	}
}
