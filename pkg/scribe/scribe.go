// Package scribe implements the archival bot's protocol engine: the state
// machine that gossips log history with other scribes on the channel,
// answers their queries, and records every post, deletion, and identity
// binding it observes into a LogStore and an append-only archival log.
//
// Every exported method that touches store or protocol state is meant to
// be invoked from the single goroutine running the owning scheduler.Run -
// see pkg/scheduler's doc comment for the concurrency contract this
// engine is built around.
package scribe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chat-scribe/pkg/botcore"
	"chat-scribe/pkg/logline"
	"chat-scribe/pkg/logstore"
	"chat-scribe/pkg/scheduler"
	"chat-scribe/pkg/transport"
)

// Sender is the subset of *transport.Client the engine needs.
type Sender interface {
	SendBroadcast(data any) (uint64, error)
	SendUnicast(dest string, data any) (uint64, error)
	SendTo(dest string, data any) (uint64, error)
	Close() error
}

// Options configures a Scribe engine.
type Options struct {
	Nickname  string
	PushLogs  []string
	DontStay  bool
	DontPull  bool
	ReadOnly  bool
	PingDelay time.Duration
	Archive   *archive // nil disables archival log-line output
}

// candidate is the best (oldest) log-info reply seen so far during one
// gossip round. Identity, not value equality, decides staleness: a
// candidate pointer captured by a scheduled callback is compared against
// the engine's current candidate by address, so a superseded round's
// callback reliably no-ops even if a later candidate happens to carry
// identical fields.
type candidate struct {
	peer   string
	oldest logstore.MsgID
	reqTo  logstore.MsgID
}

// Scribe is the gossip/archival protocol engine for one connection.
type Scribe struct {
	client Sender
	store  logstore.Store
	sched  *scheduler.Scheduler
	bot    *botcore.Bot
	opts   Options
	ids    idGenerator

	mu           sync.Mutex
	curCandidate *candidate
	pushQueue    []string
	logsDone     bool
}

// New builds a Scribe engine wired to client, store and sched. sched.Run
// must be driven by the caller (typically cmd/scribe's main loop); every
// callback this engine schedules runs on that goroutine.
func New(client *transport.Client, store logstore.Store, sched *scheduler.Scheduler, opts Options) *Scribe {
	return &Scribe{
		client:    client,
		store:     store,
		sched:     sched,
		bot:       botcore.New(client, opts.Nickname),
		opts:      opts,
		pushQueue: append([]string(nil), opts.PushLogs...),
	}
}

// OnOpen satisfies transport.Handler. The engine does nothing until the
// server's identity frame arrives.
func (s *Scribe) OnOpen() {
	slog.Info("connection opened")
	if s.opts.Archive != nil {
		s.opts.Archive.Write("OPENED")
	}
}

// OnConnectionError satisfies transport.Handler.
func (s *Scribe) OnConnectionError(err error) {
	slog.Warn("connection attempt failed", "error", err)
}

// OnTimeout satisfies transport.Handler, logged distinctly from an ordinary
// close so the archival record shows when a stalled connection was torn
// down rather than closed normally.
func (s *Scribe) OnTimeout(err error) {
	slog.Warn("connection timed out", "error", err)
	if s.opts.Archive != nil {
		s.opts.Archive.Write("TIMEOUT", logline.F("reason", err.Error()))
	}
}

// OnError satisfies transport.Handler, for read failures that are neither a
// timeout nor an ordinary close.
func (s *Scribe) OnError(err error) {
	slog.Warn("connection error", "error", err)
	if s.opts.Archive != nil {
		s.opts.Archive.Write("ERROR", logline.F("reason", err.Error()))
	}
}

// OnClose satisfies transport.Handler.
func (s *Scribe) OnClose(final bool) {
	slog.Info("connection closed", "final", final)
	if s.opts.Archive != nil {
		s.opts.Archive.Write("CLOSED")
	}
}

// OnMessage satisfies transport.Handler. Every frame is archived verbatim
// under MESSAGE, mirroring the original bot's unconditional on_message
// logging, and then handed to the scheduler with AddNow, so frame handling
// runs on the dispatcher goroutine alongside the engine's timed callbacks.
func (s *Scribe) OnMessage(env transport.Envelope) {
	s.archiveMessage(env)
	s.sched.AddNow(func() { s.dispatchMessage(env) })
}

// dispatchMessage handles one received frame of any type the engine
// understands.
func (s *Scribe) dispatchMessage(env transport.Envelope) {
	switch env.Type {
	case "identity":
		var id botcore.Identity
		if err := json.Unmarshal(env.Data, &id); err != nil {
			slog.Warn("malformed identity frame", "error", err)
			return
		}
		s.handleIdentity(id)

	case "who":
		if err := s.bot.HandleWho(env.From); err != nil {
			slog.Warn("handling who query", "error", err)
		}

	case "unicast", "broadcast":
		s.handleClientMessage(env.From, env.Data)

	case "joined":
		var j joinedData
		if err := json.Unmarshal(env.Data, &j); err != nil {
			slog.Warn("malformed joined frame", "error", err)
			return
		}
		s.handleNick(context.Background(), j.ID, "", j.UUID)

	default:
		slog.Debug("ignoring frame", "type", env.Type)
	}
}

func (s *Scribe) handleClientMessage(from string, data json.RawMessage) {
	kind, err := decodeEnvelopeData(data)
	if err != nil {
		slog.Warn("malformed client message", "error", err)
		return
	}
	ctx := context.Background()
	switch kind {
	case "post":
		var m postMsg
		if json.Unmarshal(data, &m) == nil {
			s.handlePost(ctx, from, m)
		}
	case "delete":
		var m deleteMsg
		if json.Unmarshal(data, &m) == nil {
			s.handleDelete(ctx, m)
		}
	case "log-query":
		var m logQueryMsg
		if json.Unmarshal(data, &m) == nil {
			s.handleLogQuery(ctx, from, m)
		}
	case "log-info":
		var m logInfoMsg
		if json.Unmarshal(data, &m) == nil {
			s.handleLogInfo(ctx, from, m)
		}
	case "log-request":
		var m logRequestMsg
		if json.Unmarshal(data, &m) == nil {
			s.handleLogRequest(ctx, from, m)
		}
	case "log":
		var m logMsg
		if json.Unmarshal(data, &m) == nil {
			s.handleLog(ctx, m)
		}
	case "nick":
		var m nickMsg
		if json.Unmarshal(data, &m) == nil {
			s.handleNick(ctx, from, m.Nick, m.UUID)
		}
	case "log-inquiry", "log-done":
		slog.Debug("ignoring peer coordination message", "type", kind)
	default:
		slog.Debug("ignoring unknown client message type", "type", kind)
	}
}

func (s *Scribe) handleIdentity(id botcore.Identity) {
	if err := s.bot.HandleIdentity(id); err != nil {
		slog.Warn("announcing nickname", "error", err)
	}
	s.pushNext()
	if !s.opts.DontPull {
		s.logsBegin()
	}
	s.sendPing(false)
	s.sched.SetForever(false)
}

// handlePost mints a new local MsgID for an observed chat post and records
// it, unless the engine is in read-only mode.
func (s *Scribe) handlePost(ctx context.Context, from string, m postMsg) {
	if s.opts.ReadOnly {
		return
	}
	id := s.ids.next(time.Now())
	var parent *logstore.MsgID
	if m.Parent != "" {
		if p, err := logstore.ParseMsgID(m.Parent); err == nil {
			parent = &p
		}
	}
	sender := parseSender(from)
	e := logstore.LogEntry{ID: id, Parent: parent, Sender: sender, Nick: m.Nick, Text: m.Text}
	if err := s.store.Add(ctx, e); err != nil {
		slog.Error("recording post", "error", err)
		return
	}
	s.archiveEntry("POST", e)
}

func (s *Scribe) handleDelete(ctx context.Context, m deleteMsg) {
	if s.opts.ReadOnly {
		return
	}
	id, err := logstore.ParseMsgID(m.ID)
	if err != nil {
		return
	}
	e, err := s.store.Delete(ctx, id)
	if err != nil {
		return
	}
	if s.opts.Archive != nil {
		s.opts.Archive.Write("DELETE", logline.F("id", id.String()), logline.F("nick", e.Nick))
	}
}

// handleLogQuery replies to a peer's log-query with our own oldest known
// id, unless from is our own connection id: the server occasionally echoes
// a broadcast back to its sender, and answering ourselves would otherwise
// manufacture a bogus gossip candidate.
func (s *Scribe) handleLogQuery(ctx context.Context, from string, _ logQueryMsg) {
	if from == s.bot.Identity().ID {
		return
	}
	oldest, _, _, err := s.store.Bounds(ctx)
	if err != nil {
		slog.Error("reading bounds for log-query reply", "error", err)
		return
	}
	reply := logInfoMsg{Type: "log-info", From: oldest.String()}
	if _, err := s.client.SendUnicast(from, reply); err != nil {
		slog.Warn("replying to log-query", "error", err)
		return
	}
	s.archiveSend(reply)
}

// handleNick records a user->uuid binding observed from either a "joined"
// frame (nick is empty) or a peer's "nick" message, archiving a NICK line
// whenever a nick accompanies it and a UUID line only the first time this
// uid's uuid is actually new.
func (s *Scribe) handleNick(ctx context.Context, uid, nick, uuid string) {
	if nick != "" && s.opts.Archive != nil {
		if uuid != "" {
			s.opts.Archive.Write("NICK", logline.F("id", uid), logline.F("uuid", uuid), logline.F("nick", nick))
		} else {
			s.opts.Archive.Write("NICK", logline.F("id", uid), logline.F("nick", nick))
		}
	}
	if uuid == "" {
		return
	}
	sender := parseSender(uid)
	existing, err := s.store.QueryUUIDs(ctx)
	if err != nil {
		slog.Error("reading uuids for nick binding", "error", err)
		return
	}
	changed := existing[sender] != uuid
	if err := s.store.AddUUID(ctx, sender, uuid); err != nil {
		slog.Error("recording uuid binding", "error", err)
		return
	}
	if changed && s.opts.Archive != nil {
		s.opts.Archive.Write("UUID", logline.F("id", uid), logline.F("uuid", uuid))
	}
}

// handleLogInfo is the candidate-selection step: a peer with strictly
// older history than our current best candidate supersedes it, and gets a
// one-second grace period (during which an even older candidate might
// still arrive) before we commit to requesting from it.
func (s *Scribe) handleLogInfo(ctx context.Context, from string, m logInfoMsg) {
	oldest, err := logstore.ParseMsgID(m.From)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.curCandidate != nil && !(oldest < s.curCandidate.oldest) {
		s.mu.Unlock()
		return
	}
	myOldest, _, _, err := s.store.Bounds(ctx)
	if err != nil {
		s.mu.Unlock()
		slog.Error("reading bounds for candidate selection", "error", err)
		return
	}
	cand := &candidate{peer: from, oldest: oldest, reqTo: myOldest}
	s.curCandidate = cand
	s.mu.Unlock()

	s.sched.Add(time.Second, func() { s.sendRequest(cand) })
}

// sendRequest fires a log-request at cand's peer, but only if cand is
// still the current candidate: a pointer comparison drops a stale token
// cheaply if a better candidate superseded it in the meantime.
func (s *Scribe) sendRequest(cand *candidate) {
	s.mu.Lock()
	current := s.curCandidate
	s.mu.Unlock()
	if current != cand {
		return
	}
	req := logRequestMsg{Type: "log-request", Before: cand.reqTo.String()}
	if _, err := s.client.SendUnicast(cand.peer, req); err != nil {
		slog.Warn("sending log-request", "error", err)
		return
	}
	s.archiveSend(req)
}

func (s *Scribe) handleLogRequest(ctx context.Context, from string, m logRequestMsg) {
	before, err := logstore.ParseMsgID(m.Before)
	if err != nil {
		return
	}
	upper := before
	if before > 0 {
		upper = before - 1
	}
	entries, err := s.store.Query(ctx, logstore.QueryRange{To: &upper})
	if err != nil {
		slog.Error("querying entries for log-request", "error", err)
		return
	}
	uuids, err := s.store.QueryUUIDs(ctx)
	if err != nil {
		slog.Error("querying uuids for log-request", "error", err)
		return
	}
	s.sendLogs(from, entries, uuids)
}

func (s *Scribe) sendLogs(peer string, entries []logstore.LogEntry, uuids map[uint64]string) {
	if s.opts.Archive != nil {
		s.opts.Archive.Write("LOGSEND", logline.F("peer", peer), logline.F("count", int64(len(entries))))
	}
	wire := make([]wireLogEntry, len(entries))
	for i, e := range entries {
		wire[i] = toWire(e)
	}
	if _, err := s.client.SendUnicast(peer, logMsg{Type: "log", Entries: wire, UUIDs: uuids}); err != nil {
		slog.Warn("sending log reply", "error", err)
	}
}

func (s *Scribe) handleLog(ctx context.Context, m logMsg) {
	added := s.processLogs(ctx, m.Entries, m.UUIDs)
	if added > 0 {
		s.logsBegin()
		return
	}
	s.logsFinish()
}

// processLogs merges received entries and uuid bindings into the store,
// archiving only the ones that were genuinely new to us.
func (s *Scribe) processLogs(ctx context.Context, wire []wireLogEntry, uuids map[uint64]string) int {
	added := 0
	for _, w := range wire {
		e, err := fromWire(w)
		if err != nil {
			continue
		}
		if _, err := s.store.Get(ctx, e.ID); err != nil {
			added++
			s.archiveEntry("LOGPOST", e)
		}
		if err := s.store.Add(ctx, e); err != nil {
			slog.Error("merging received entry", "error", err)
		}
	}

	existing, err := s.store.QueryUUIDs(ctx)
	if err != nil {
		existing = map[uint64]string{}
	}
	for sender, uuid := range uuids {
		if existing[sender] != uuid {
			if s.opts.Archive != nil {
				s.opts.Archive.Write("LOGUUID", logline.F("sender", int64(sender)), logline.F("uuid", uuid))
			}
		}
		if err := s.store.AddUUID(ctx, sender, uuid); err != nil {
			slog.Error("merging uuid binding", "error", err)
		}
	}
	return added
}

// logsBegin starts (or restarts) one gossip round: broadcast our own
// oldest-known id, and give peers one second to answer with log-info
// before finalizing on whatever candidate (if any) showed up.
func (s *Scribe) logsBegin() {
	s.mu.Lock()
	s.curCandidate = nil
	s.mu.Unlock()

	ctx := context.Background()
	oldest, _, _, err := s.store.Bounds(ctx)
	if err != nil {
		slog.Error("reading bounds to start gossip round", "error", err)
		return
	}
	query := logQueryMsg{Type: "log-query", From: oldest.String()}
	if _, err := s.client.SendBroadcast(query); err != nil {
		slog.Warn("broadcasting log-query", "error", err)
	} else {
		s.archiveSend(query)
	}
	s.sched.Add(time.Second, s.finalizeRound)
}

// finalizeRound ends a round in which no peer answered with log-info. When a
// candidate exists, the delayed sendRequest scheduled by handleLogInfo sends
// the log-request, so nothing is sent from here.
func (s *Scribe) finalizeRound() {
	s.mu.Lock()
	cand := s.curCandidate
	s.mu.Unlock()
	if cand == nil {
		s.logsFinish()
	}
}

func (s *Scribe) logsFinish() {
	s.mu.Lock()
	s.logsDone = true
	s.mu.Unlock()
	logDone := map[string]any{"type": "log-done"}
	if _, err := s.client.SendBroadcast(logDone); err != nil {
		slog.Warn("broadcasting log-done", "error", err)
	} else {
		s.archiveSend(logDone)
	}
	if s.opts.DontStay {
		if k, ok := s.client.(interface{ SetKeepalive(bool) }); ok {
			k.SetKeepalive(false)
		}
		if err := s.client.Close(); err != nil {
			slog.Warn("closing connection after log-done", "error", err)
		}
	}
}

// pushNext drives the one-time startup push of our full local log to each
// peer named in Options.PushLogs, one at a time, chaining through the
// scheduler so each push runs as its own dispatched callback.
func (s *Scribe) pushNext() {
	s.mu.Lock()
	if len(s.pushQueue) == 0 {
		s.mu.Unlock()
		s.announceLogInquiry()
		return
	}
	peer := s.pushQueue[0]
	s.pushQueue = s.pushQueue[1:]
	more := len(s.pushQueue) > 0
	s.mu.Unlock()

	ctx := context.Background()
	entries, err := s.store.Query(ctx, logstore.QueryRange{})
	if err != nil {
		slog.Error("querying entries for push-logs", "error", err)
	} else {
		uuids, err := s.store.QueryUUIDs(ctx)
		if err != nil {
			uuids = map[uint64]string{}
		}
		s.sendLogs(peer, entries, uuids)
	}
	if more {
		s.sched.AddNow(s.pushNext)
		return
	}
	s.announceLogInquiry()
}

func (s *Scribe) announceLogInquiry() {
	inquiry := map[string]any{"type": "log-inquiry"}
	if _, err := s.client.SendBroadcast(inquiry); err != nil {
		slog.Warn("broadcasting log-inquiry", "error", err)
		return
	}
	s.archiveSend(inquiry)
}

// sendPing optionally sends a keepalive ping, then always reschedules
// itself for PingDelay from now. actually=false is used once at startup to
// arm the keepalive chain without sending a redundant immediate ping.
func (s *Scribe) sendPing(actually bool) {
	if actually {
		ping := map[string]any{"type": "ping"}
		if _, err := s.client.SendBroadcast(ping); err != nil {
			slog.Warn("sending keepalive ping", "error", err)
		} else {
			s.archiveSend(ping)
		}
	}
	s.sched.Add(s.opts.PingDelay, func() { s.sendPing(true) })
}

// archiveMessage records the raw content of every frame received, the
// unconditional counterpart to archiveSend below.
func (s *Scribe) archiveMessage(env transport.Envelope) {
	if s.opts.Archive == nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	s.opts.Archive.Write("MESSAGE", logline.F("content", string(raw)))
}

// archiveSend records a single outbound frame under SEND. Bulk log replies
// go through sendLogs's own LOGSEND line instead and must not also call
// this, matching the original client's verbose=False suppression for log
// delivery.
func (s *Scribe) archiveSend(data any) {
	if s.opts.Archive == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	s.opts.Archive.Write("SEND", logline.F("content", string(raw)))
}

func (s *Scribe) archiveEntry(tag string, e logstore.LogEntry) {
	if s.opts.Archive == nil {
		return
	}
	fields := []logline.Field{
		logline.F("id", e.ID.String()),
		logline.F("from", int64(e.Sender)),
		logline.F("nick", e.Nick),
		logline.F("text", e.Text),
	}
	if e.Parent != nil {
		fields = append(fields, logline.F("parent", e.Parent.String()))
	}
	s.opts.Archive.Write(tag, fields...)
}

func toWire(e logstore.LogEntry) wireLogEntry {
	w := wireLogEntry{ID: e.ID.String(), Sender: e.Sender, Nick: e.Nick, Text: e.Text}
	if e.Parent != nil {
		w.Parent = e.Parent.String()
	}
	return w
}

func fromWire(w wireLogEntry) (logstore.LogEntry, error) {
	id, err := logstore.ParseMsgID(w.ID)
	if err != nil {
		return logstore.LogEntry{}, fmt.Errorf("scribe: bad entry id %q: %w", w.ID, err)
	}
	e := logstore.LogEntry{ID: id, Sender: w.Sender, Nick: w.Nick, Text: w.Text}
	if w.Parent != "" {
		if p, err := logstore.ParseMsgID(w.Parent); err == nil {
			e.Parent = &p
		}
	}
	return e, nil
}

// parseSender encodes a peer id string as the store's uint64 Sender; see
// logstore.ParseSender, shared with pkg/recovery's legacy MESSAGE decoding
// so both paths assign the same sender id to the same peer.
func parseSender(peerID string) uint64 {
	return logstore.ParseSender(peerID)
}
