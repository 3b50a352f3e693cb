package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"taskboard/api/internal/store"
)

// fakeSocket scripts the inbound side of a connection and records the
// outbound side.
type fakeSocket struct {
	fakeConn
	inbound  chan []byte
	deadline time.Time

	closeCode   int
	closeReason string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 16)}
}

func (f *fakeSocket) ReadMessage() ([]byte, error) {
	if f.deadline.IsZero() {
		message, ok := <-f.inbound
		if !ok {
			return nil, io.EOF
		}
		return message, nil
	}
	select {
	case message, ok := <-f.inbound:
		if !ok {
			return nil, io.EOF
		}
		return message, nil
	case <-time.After(time.Until(f.deadline)):
		return nil, errors.New("read deadline exceeded")
	}
}

func (f *fakeSocket) SetReadDeadline(t time.Time) error {
	f.deadline = t
	return nil
}

func (f *fakeSocket) CloseWithCode(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeSocket) sentMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeBackend struct {
	mu     sync.Mutex
	roles  map[string]string // userID -> role
	events []store.Event
}

func (b *fakeBackend) MemberRole(_ context.Context, _, userID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	role, ok := b.roles[userID]
	if !ok {
		return "", ErrNotMember
	}
	return role, nil
}

func (b *fakeBackend) Snapshot(_ context.Context, projectID string) (store.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var seq int64
	for _, event := range b.events {
		if event.Seq > seq {
			seq = event.Seq
		}
	}
	return store.Snapshot{Project: store.Project{ID: projectID, Name: "Apollo"}, Seq: seq}, nil
}

func (b *fakeBackend) EventsSince(_ context.Context, projectID string, sinceSeq int64, limit int) ([]store.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]store.Event, 0)
	for _, event := range b.events {
		if event.ProjectID == projectID && event.Seq > sinceSeq && len(out) < limit {
			out = append(out, event)
		}
	}
	return out, nil
}

func testEvents(projectID string, n int) []store.Event {
	events := make([]store.Event, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, store.Event{
			ID:        "evt_" + string(rune('a'+i)),
			ProjectID: projectID,
			Seq:       int64(i),
			Type:      "task.moved",
			Payload:   []byte(`{}`),
			TS:        time.Now().UTC(),
		})
	}
	return events
}

func sendHello(sock *fakeSocket, projectID string, lastSeen *int64) {
	hello := map[string]any{"type": "hello", "projectId": projectID}
	if lastSeen != nil {
		hello["lastSeenSeq"] = *lastSeen
	}
	raw, _ := json.Marshal(hello)
	sock.inbound <- raw
}

func TestSessionSnapshotThenReplayInOrder(t *testing.T) {
	hub := NewHub()
	backend := &fakeBackend{roles: map[string]string{"usr_1": "member"}, events: testEvents("prj_1", 5)}
	sock := newFakeSocket()

	lastSeen := int64(2)
	sendHello(sock, "prj_1", &lastSeen)
	close(sock.inbound)

	session := NewSession(sock, hub, backend, "usr_1", "prj_1", time.Second, 500)
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sent := sock.sentMessages()
	if len(sent) != 4 {
		t.Fatalf("expected snapshot + 3 replayed events, got %d messages", len(sent))
	}

	var first struct {
		Type string `json:"type"`
		Seq  int64  `json:"seq"`
	}
	if err := json.Unmarshal(sent[0], &first); err != nil {
		t.Fatalf("parse snapshot: %v", err)
	}
	if first.Type != "snapshot" || first.Seq != 5 {
		t.Fatalf("expected snapshot at seq 5 first, got %+v", first)
	}

	for i, want := range []int64{3, 4, 5} {
		var envelope EventEnvelope
		if err := json.Unmarshal(sent[i+1], &envelope); err != nil {
			t.Fatalf("parse event %d: %v", i, err)
		}
		if envelope.Seq != want {
			t.Fatalf("expected replayed seq %d at index %d, got %d", want, i, envelope.Seq)
		}
	}

	if hub.SubscriberCount("prj_1") != 0 {
		t.Fatal("session should unsubscribe on close")
	}
}

func TestSessionWithoutLastSeenSendsOnlySnapshot(t *testing.T) {
	hub := NewHub()
	backend := &fakeBackend{roles: map[string]string{"usr_1": "member"}, events: testEvents("prj_1", 3)}
	sock := newFakeSocket()

	sendHello(sock, "prj_1", nil)
	close(sock.inbound)

	session := NewSession(sock, hub, backend, "usr_1", "prj_1", time.Second, 500)
	if err := session.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(sock.sentMessages()); got != 1 {
		t.Fatalf("expected only the snapshot, got %d messages", got)
	}
}

func TestSessionHelloTimeout(t *testing.T) {
	hub := NewHub()
	backend := &fakeBackend{roles: map[string]string{"usr_1": "member"}}
	sock := newFakeSocket()

	session := NewSession(sock, hub, backend, "usr_1", "prj_1", 20*time.Millisecond, 500)
	if err := session.Run(context.Background()); err == nil {
		t.Fatal("expected an error on hello timeout")
	}

	if sock.closeCode != ClosePolicyViolation {
		t.Fatalf("expected close code %d, got %d", ClosePolicyViolation, sock.closeCode)
	}
	if hub.SubscriberCount("prj_1") != 0 {
		t.Fatal("session must not be subscribed after a failed handshake")
	}
}

func TestSessionRejectsWrongProjectHello(t *testing.T) {
	hub := NewHub()
	backend := &fakeBackend{roles: map[string]string{"usr_1": "member"}}
	sock := newFakeSocket()

	sendHello(sock, "prj_other", nil)

	session := NewSession(sock, hub, backend, "usr_1", "prj_1", time.Second, 500)
	if err := session.Run(context.Background()); err == nil {
		t.Fatal("expected an error for mismatched hello")
	}
	if sock.closeCode != ClosePolicyViolation {
		t.Fatalf("expected close code %d, got %d", ClosePolicyViolation, sock.closeCode)
	}
}

func TestSessionRejectsMalformedHello(t *testing.T) {
	hub := NewHub()
	backend := &fakeBackend{roles: map[string]string{"usr_1": "member"}}
	sock := newFakeSocket()

	sock.inbound <- []byte("this is not json")

	session := NewSession(sock, hub, backend, "usr_1", "prj_1", time.Second, 500)
	if err := session.Run(context.Background()); err == nil {
		t.Fatal("expected an error for malformed hello")
	}
	if sock.closeCode != ClosePolicyViolation {
		t.Fatalf("expected close code %d, got %d", ClosePolicyViolation, sock.closeCode)
	}
}

func TestSessionRejectsNonMember(t *testing.T) {
	hub := NewHub()
	backend := &fakeBackend{roles: map[string]string{}}
	sock := newFakeSocket()

	sendHello(sock, "prj_1", nil)

	session := NewSession(sock, hub, backend, "usr_outsider", "prj_1", time.Second, 500)
	if err := session.Run(context.Background()); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
	if sock.closeCode != ClosePolicyViolation {
		t.Fatalf("expected close code %d, got %d", ClosePolicyViolation, sock.closeCode)
	}
	if hub.SubscriberCount("prj_1") != 0 {
		t.Fatal("non-member must not be subscribed")
	}
}

func TestSessionIgnoresUnknownInboundMessages(t *testing.T) {
	hub := NewHub()
	backend := &fakeBackend{roles: map[string]string{"usr_1": "member"}}
	sock := newFakeSocket()

	sendHello(sock, "prj_1", nil)

	session := NewSession(sock, hub, backend, "usr_1", "prj_1", time.Second, 500)
	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()

	// Wait until the handshake finished and the session is live.
	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount("prj_1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	sock.inbound <- []byte("garbage")
	sock.inbound <- []byte(`{"type":"whatever","projectId":"prj_other"}`)
	hub.Broadcast("prj_1", []byte(`{"type":"task.moved","seq":9}`))
	close(sock.inbound)

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	sent := sock.sentMessages()
	last := sent[len(sent)-1]
	var envelope struct {
		Type string `json:"type"`
		Seq  int64  `json:"seq"`
	}
	if err := json.Unmarshal(last, &envelope); err != nil {
		t.Fatalf("parse live event: %v", err)
	}
	if envelope.Type != "task.moved" || envelope.Seq != 9 {
		t.Fatalf("expected the live broadcast to arrive after garbage input, got %+v", envelope)
	}
}
