package botcore

import "testing"

type fakeSender struct {
	broadcasts []any
	unicasts   []struct {
		dest string
		data any
	}
}

func (f *fakeSender) SendBroadcast(data any) (uint64, error) {
	f.broadcasts = append(f.broadcasts, data)
	return uint64(len(f.broadcasts) - 1), nil
}

func (f *fakeSender) SendTo(dest string, data any) (uint64, error) {
	if dest == "" {
		return f.SendBroadcast(data)
	}
	f.unicasts = append(f.unicasts, struct {
		dest string
		data any
	}{dest, data})
	return uint64(len(f.unicasts) - 1), nil
}

func TestHandleIdentityAnnouncesNickname(t *testing.T) {
	s := &fakeSender{}
	b := New(s, "scribe")
	if err := b.HandleIdentity(Identity{ID: "c1", UUID: "u1"}); err != nil {
		t.Fatalf("HandleIdentity: %v", err)
	}
	if len(s.broadcasts) != 1 {
		t.Fatalf("got %d broadcasts, want 1", len(s.broadcasts))
	}
	msg := s.broadcasts[0].(map[string]any)
	if msg["nick"] != "scribe" || msg["uuid"] != "u1" {
		t.Errorf("broadcast = %#v", msg)
	}
}

func TestEmptyNicknameNeverAnnounces(t *testing.T) {
	s := &fakeSender{}
	b := New(s, "")
	if err := b.HandleIdentity(Identity{ID: "c1"}); err != nil {
		t.Fatalf("HandleIdentity: %v", err)
	}
	if len(s.broadcasts) != 0 {
		t.Fatalf("got %d broadcasts, want 0 for empty nickname", len(s.broadcasts))
	}
}

func TestHandleWhoIgnoresSelf(t *testing.T) {
	s := &fakeSender{}
	b := New(s, "scribe")
	b.HandleIdentity(Identity{ID: "c1", UUID: "u1"})
	s.unicasts = nil

	if err := b.HandleWho("c1"); err != nil {
		t.Fatalf("HandleWho(self): %v", err)
	}
	if len(s.unicasts) != 0 {
		t.Fatalf("HandleWho(self) sent %d unicasts, want 0", len(s.unicasts))
	}

	if err := b.HandleWho("other"); err != nil {
		t.Fatalf("HandleWho(other): %v", err)
	}
	if len(s.unicasts) != 1 || s.unicasts[0].dest != "other" {
		t.Fatalf("unicasts = %#v", s.unicasts)
	}
}

func TestSendPostBroadcastsWithNickname(t *testing.T) {
	s := &fakeSender{}
	b := New(s, "scribe")
	if _, err := b.SendPost("hello", nil); err != nil {
		t.Fatalf("SendPost: %v", err)
	}
	if len(s.broadcasts) != 1 {
		t.Fatalf("got %d broadcasts, want 1", len(s.broadcasts))
	}
	msg := s.broadcasts[0].(map[string]any)
	if msg["text"] != "hello" || msg["nick"] != "scribe" {
		t.Errorf("broadcast = %#v", msg)
	}
}
