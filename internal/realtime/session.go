package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"taskboard/api/internal/store"
)

// Close codes mirror the websocket status codes the transport maps them to.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
)

// ErrNotMember is returned by Backend.MemberRole when the principal has no
// membership in the project.
var ErrNotMember = errors.New("not a project member")

// Socket is the transport a session runs over. The read half is only used by
// the session itself; the Conn half is what gets registered with the hub.
type Socket interface {
	Conn
	ReadMessage() ([]byte, error)
	SetReadDeadline(t time.Time) error
	CloseWithCode(code int, reason string) error
}

// Backend is what a session needs from the application: membership checks,
// snapshot assembly and event replay.
type Backend interface {
	MemberRole(ctx context.Context, projectID, userID string) (string, error)
	Snapshot(ctx context.Context, projectID string) (store.Snapshot, error)
	EventsSince(ctx context.Context, projectID string, sinceSeq int64, limit int) ([]store.Event, error)
}

// Session states. A session advances strictly forward; Closed is terminal.
type sessionState int

const (
	stateConnecting sessionState = iota
	stateAwaitingHello
	stateStreaming
	stateClosed
)

type helloMessage struct {
	Type        string `json:"type"`
	ProjectID   string `json:"projectId"`
	LastSeenSeq *int64 `json:"lastSeenSeq,omitempty"`
}

type snapshotMessage struct {
	Type      string         `json:"type"`
	ProjectID string         `json:"projectId"`
	Seq       int64          `json:"seq"`
	Payload   store.Snapshot `json:"payload"`
}

// EventEnvelope is the wire form of one project event.
type EventEnvelope struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	EventID   string          `json:"eventId"`
	Seq       int64           `json:"seq"`
	TS        time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// EncodeEvent serializes a stored event into its wire envelope.
func EncodeEvent(event store.Event) ([]byte, error) {
	return json.Marshal(EventEnvelope{
		Type:      event.Type,
		ProjectID: event.ProjectID,
		EventID:   event.ID,
		Seq:       event.Seq,
		TS:        event.TS,
		Payload:   event.Payload,
	})
}

// Session drives one connection through hello, snapshot, replay and the live
// stream. Origin and principal verification happen before the session is
// constructed; a Session only exists for an authenticated connection.
type Session struct {
	sock         Socket
	hub          *Hub
	backend      Backend
	userID       string
	projectID    string
	helloTimeout time.Duration
	replayLimit  int

	state sessionState
}

func NewSession(sock Socket, hub *Hub, backend Backend, userID, projectID string, helloTimeout time.Duration, replayLimit int) *Session {
	if helloTimeout <= 0 {
		helloTimeout = 5 * time.Second
	}
	if replayLimit <= 0 {
		replayLimit = 500
	}
	return &Session{
		sock:         sock,
		hub:          hub,
		backend:      backend,
		userID:       userID,
		projectID:    projectID,
		helloTimeout: helloTimeout,
		replayLimit:  replayLimit,
		state:        stateConnecting,
	}
}

// Run blocks until the session closes. It always leaves the hub clean: on any
// exit path the connection is unsubscribed and closed.
func (s *Session) Run(ctx context.Context) error {
	s.state = stateAwaitingHello
	hello, err := s.awaitHello()
	if err != nil {
		s.closeWith(ClosePolicyViolation, err.Error())
		return err
	}

	role, err := s.backend.MemberRole(ctx, s.projectID, s.userID)
	if err != nil || role == "" {
		s.closeWith(ClosePolicyViolation, "forbidden")
		if err == nil {
			err = ErrNotMember
		}
		return err
	}

	s.state = stateStreaming
	s.hub.Subscribe(s.projectID, s.sock)
	defer func() {
		s.state = stateClosed
		s.hub.Unsubscribe(s.projectID, s.sock)
		_ = s.sock.Close()
	}()

	if err := s.sendSnapshot(ctx); err != nil {
		return err
	}
	if hello.LastSeenSeq != nil {
		if err := s.replaySince(ctx, *hello.LastSeenSeq); err != nil {
			return err
		}
	}

	return s.readLoop()
}

// awaitHello reads and validates the first inbound message within the hello
// timeout. Anything other than a well-formed hello for this session's project
// is a protocol violation.
func (s *Session) awaitHello() (helloMessage, error) {
	if err := s.sock.SetReadDeadline(time.Now().Add(s.helloTimeout)); err != nil {
		return helloMessage{}, err
	}
	raw, err := s.sock.ReadMessage()
	if err != nil {
		return helloMessage{}, errors.New("hello timeout")
	}
	var hello helloMessage
	if err := json.Unmarshal(raw, &hello); err != nil {
		return helloMessage{}, errors.New("malformed hello")
	}
	if hello.Type != "hello" || hello.ProjectID != s.projectID {
		return helloMessage{}, errors.New("unexpected hello")
	}
	return hello, nil
}

// sendSnapshot always ships the full current state, regardless of how far
// behind the client claims to be.
func (s *Session) sendSnapshot(ctx context.Context) error {
	snapshot, err := s.backend.Snapshot(ctx, s.projectID)
	if err != nil {
		return err
	}
	message, err := json.Marshal(snapshotMessage{
		Type:      "snapshot",
		ProjectID: s.projectID,
		Seq:       snapshot.Seq,
		Payload:   snapshot,
	})
	if err != nil {
		return err
	}
	return s.sock.Send(message)
}

func (s *Session) replaySince(ctx context.Context, sinceSeq int64) error {
	events, err := s.backend.EventsSince(ctx, s.projectID, sinceSeq, s.replayLimit)
	if err != nil {
		return err
	}
	for _, event := range events {
		message, err := EncodeEvent(event)
		if err != nil {
			return err
		}
		if err := s.sock.Send(message); err != nil {
			return err
		}
	}
	return nil
}

// readLoop drains inbound messages for the life of the session. Unrecognized
// or mismatched messages are ignored for forward compatibility; only a read
// failure (peer close, network error) ends the session.
func (s *Session) readLoop() error {
	if err := s.sock.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	for {
		raw, err := s.sock.ReadMessage()
		if err != nil {
			return nil
		}
		var inbound struct {
			Type      string `json:"type"`
			ProjectID string `json:"projectId"`
		}
		if err := json.Unmarshal(raw, &inbound); err != nil {
			continue
		}
		if inbound.ProjectID != "" && inbound.ProjectID != s.projectID {
			continue
		}
		// No client-to-server commands are defined on the stream yet.
	}
}

func (s *Session) closeWith(code int, reason string) {
	s.state = stateClosed
	_ = s.sock.CloseWithCode(code, reason)
	_ = s.sock.Close()
}
