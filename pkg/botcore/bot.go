// Package botcore implements the identity and nickname protocol shared by
// every bot on the group-chat server: learning your own connection
// identity from the server's "identity" frame, announcing your nickname,
// and answering other peers' "who" queries. pkg/scribe composes a Bot
// rather than embedding protocol-specific behavior directly, following the
// specification's interfaces-and-composition redesign of what the original
// implementation expressed as base-class inheritance.
package botcore

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Identity is what the server tells a freshly connected client about
// itself.
type Identity struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`
}

// Sender is the subset of *transport.Client the bot protocol needs to send
// frames. Accepting this narrow interface instead of a concrete client lets
// tests exercise the identity/nickname protocol without a real connection.
type Sender interface {
	SendTo(dest string, data any) (uint64, error)
	SendBroadcast(data any) (uint64, error)
}

// Bot tracks a connection's identity and nickname and answers the "who"
// protocol query. It is safe for concurrent use, though in practice the
// scribe engine only ever touches it from its scheduler dispatcher
// goroutine.
type Bot struct {
	client Sender

	mu       sync.RWMutex
	nickname string
	identity Identity
}

// New builds a Bot that sends and receives frames through client, presenting
// nickname once its identity is known. An empty nickname means the bot
// never announces a nickname, matching the original's "nickname is None"
// no-op case.
func New(client Sender, nickname string) *Bot {
	return &Bot{client: client, nickname: nickname}
}

// Identity returns the identity last learned from the server, if any.
func (b *Bot) Identity() Identity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identity
}

// HandleIdentity records data as this connection's identity and announces
// the configured nickname, the way a peer is expected to on join.
func (b *Bot) HandleIdentity(data Identity) error {
	b.mu.Lock()
	b.identity = data
	b.mu.Unlock()
	return b.SendNick("")
}

// SendNick announces the bot's nickname. peer is the destination id, or
// "" to broadcast. It is a no-op if no nickname is configured.
func (b *Bot) SendNick(peer string) error {
	b.mu.RLock()
	nickname := b.nickname
	uuid := b.identity.UUID
	b.mu.RUnlock()
	if nickname == "" {
		return nil
	}
	_, err := b.client.SendTo(peer, map[string]any{
		"type": "nick",
		"nick": nickname,
		"uuid": uuid,
	})
	if err != nil {
		return fmt.Errorf("botcore: send nick: %w", err)
	}
	return nil
}

// SetNickname changes the announced nickname and immediately broadcasts it.
func (b *Bot) SetNickname(nickname string) error {
	b.mu.Lock()
	b.nickname = nickname
	b.mu.Unlock()
	return b.SendNick("")
}

// HandleWho answers a "who" query from fromPeer, unless it is our own
// connection id (the server occasionally echoes queries back to their
// sender).
func (b *Bot) HandleWho(fromPeer string) error {
	b.mu.RLock()
	self := b.identity.ID
	b.mu.RUnlock()
	if fromPeer == self {
		return nil
	}
	return b.SendNick(fromPeer)
}

// SendPost broadcasts a chat post with the bot's current nickname
// attached, optionally replying to parent.
func (b *Bot) SendPost(text string, parent json.RawMessage) (uint64, error) {
	b.mu.RLock()
	nickname := b.nickname
	b.mu.RUnlock()

	data := map[string]any{
		"type": "post",
		"text": text,
		"nick": nickname,
	}
	if len(parent) > 0 {
		data["parent"] = parent
	}
	seq, err := b.client.SendBroadcast(data)
	if err != nil {
		return 0, fmt.Errorf("botcore: send post: %w", err)
	}
	return seq, nil
}
