package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mzanetti/pairview/internal/archive"
	"github.com/mzanetti/pairview/internal/observability"
	"github.com/mzanetti/pairview/internal/protocol"
	"github.com/mzanetti/pairview/internal/session"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []any
}

func (c *fakeConn) Send(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) Close() {}

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

var metricsSeq atomic.Int64

func newTestHub(t *testing.T) (*Hub, *archive.InMemoryStore) {
	t.Helper()
	store := archive.NewInMemoryStore()
	ns := fmt.Sprintf("pairview_test_%d", metricsSeq.Add(1))
	hub := NewHub(session.NewRegistry(), store, observability.NewMetrics(ns), zerolog.Nop())
	return hub, store
}

// activeRoom wires up an ACTIVE session with alice (interviewer) and bob
// (interviewee) on two fake connections, message buffers cleared.
func activeRoom(t *testing.T, hub *Hub) (sessionID string, alice, bob *fakeConn) {
	t.Helper()
	alice, bob = &fakeConn{}, &fakeConn{}

	hub.HandleMessage(alice, protocol.CreateSession{Type: protocol.TypeCreateSession, UserID: "alice"})
	snap := lastSnapshot(t, alice)
	sessionID = snap.ID

	hub.HandleMessage(bob, protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: sessionID, UserID: "bob", Role: session.RoleInterviewee})
	hub.HandleMessage(alice, protocol.StartSession{Type: protocol.TypeStartSession, SessionID: sessionID, UserID: "alice"})

	alice.reset()
	bob.reset()
	return sessionID, alice, bob
}

func lastSnapshot(t *testing.T, conn *fakeConn) session.Snapshot {
	t.Helper()
	msgs := conn.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if snap, ok := msgs[i].(protocol.SessionSnapshot); ok {
			return snap.Session
		}
	}
	t.Fatalf("no session snapshot delivered")
	return session.Snapshot{}
}

func TestCreateSessionRepliesToSenderOnly(t *testing.T) {
	hub, _ := newTestHub(t)
	alice := &fakeConn{}

	hub.HandleMessage(alice, protocol.CreateSession{Type: protocol.TypeCreateSession, UserID: "alice"})

	snap := lastSnapshot(t, alice)
	if snap.State != session.StateCreated || snap.Interviewer != "alice" {
		t.Fatalf("unexpected created snapshot: %+v", snap)
	}
}

func TestJoinBroadcastsSnapshotAndUserJoined(t *testing.T) {
	hub, _ := newTestHub(t)
	alice, bob := &fakeConn{}, &fakeConn{}

	hub.HandleMessage(alice, protocol.CreateSession{Type: protocol.TypeCreateSession, UserID: "alice"})
	sessionID := lastSnapshot(t, alice).ID
	alice.reset()

	hub.HandleMessage(bob, protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: sessionID, UserID: "bob", Role: session.RoleInterviewee})

	if snap := lastSnapshot(t, bob); snap.Interviewee != "bob" {
		t.Fatalf("joiner snapshot = %+v", snap)
	}

	var joined bool
	for _, msg := range alice.messages() {
		if uj, ok := msg.(protocol.UserJoined); ok && uj.UserID == "bob" {
			joined = true
		}
	}
	if !joined {
		t.Fatalf("peer did not receive user-joined")
	}
	for _, msg := range bob.messages() {
		if _, ok := msg.(protocol.UserJoined); ok {
			t.Fatalf("user-joined echoed to the joiner")
		}
	}
}

func TestJoinRejectionSurfacedToSenderOnly(t *testing.T) {
	hub, _ := newTestHub(t)
	sessionID, alice, _ := activeRoom(t, hub)

	carol := &fakeConn{}
	hub.HandleMessage(carol, protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: sessionID, UserID: "carol", Role: session.RoleInterviewee})

	msgs := carol.messages()
	if len(msgs) != 1 {
		t.Fatalf("carol received %d messages, want 1 error", len(msgs))
	}
	errEvent, ok := msgs[0].(protocol.ErrorEvent)
	if !ok || errEvent.Code != protocol.CodeJoinRejected {
		t.Fatalf("unexpected message: %#v", msgs[0])
	}
	if errEvent.Reason != session.ReasonRoomFull {
		t.Fatalf("reason = %q, want %q", errEvent.Reason, session.ReasonRoomFull)
	}
	if len(alice.messages()) != 0 {
		t.Fatalf("rejection leaked to the room")
	}
}

func TestUnknownRoomSurfacesRoomNotFound(t *testing.T) {
	hub, _ := newTestHub(t)
	bob := &fakeConn{}

	hub.HandleMessage(bob, protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: "missing", UserID: "bob", Role: session.RoleInterviewee})

	msgs := bob.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if errEvent, ok := msgs[0].(protocol.ErrorEvent); !ok || errEvent.Code != protocol.CodeRoomNotFound {
		t.Fatalf("unexpected message: %#v", msgs[0])
	}
}

func TestUnauthorizedStartRejected(t *testing.T) {
	hub, _ := newTestHub(t)
	alice, bob := &fakeConn{}, &fakeConn{}

	hub.HandleMessage(alice, protocol.CreateSession{Type: protocol.TypeCreateSession, UserID: "alice"})
	sessionID := lastSnapshot(t, alice).ID
	hub.HandleMessage(bob, protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: sessionID, UserID: "bob", Role: session.RoleInterviewee})
	alice.reset()
	bob.reset()

	hub.HandleMessage(bob, protocol.StartSession{Type: protocol.TypeStartSession, SessionID: sessionID, UserID: "bob"})

	msgs := bob.messages()
	if len(msgs) != 1 {
		t.Fatalf("bob received %d messages, want 1", len(msgs))
	}
	if errEvent, ok := msgs[0].(protocol.ErrorEvent); !ok || errEvent.Code != protocol.CodeUnauthorized {
		t.Fatalf("unexpected message: %#v", msgs[0])
	}
	if len(alice.messages()) != 0 {
		t.Fatalf("unauthorized start leaked to the room")
	}
}

func TestSubmitOperationForwardedToOthersOnly(t *testing.T) {
	hub, _ := newTestHub(t)
	sessionID, alice, bob := activeRoom(t, hub)

	hub.HandleMessage(bob, protocol.SubmitOperation{
		Type:      protocol.TypeSubmitOperation,
		SessionID: sessionID,
		UserID:    "bob",
		Op:        session.Operation{From: 0, To: 0, Text: "x", Timestamp: 5},
	})

	var forwarded *protocol.OperationEvent
	for _, msg := range alice.messages() {
		if op, ok := msg.(protocol.OperationEvent); ok {
			forwarded = &op
		}
	}
	if forwarded == nil {
		t.Fatalf("operation not forwarded to peer")
	}
	if forwarded.Op.Source != "bob" || forwarded.Op.Text != "x" {
		t.Fatalf("forwarded op = %+v", forwarded.Op)
	}
	for _, msg := range bob.messages() {
		if _, ok := msg.(protocol.OperationEvent); ok {
			t.Fatalf("operation echoed to its author")
		}
	}
}

func TestStaleOperationDroppedSilently(t *testing.T) {
	hub, _ := newTestHub(t)
	sessionID, alice, bob := activeRoom(t, hub)

	hub.HandleMessage(alice, protocol.EndSession{Type: protocol.TypeEndSession, SessionID: sessionID, UserID: "alice"})
	alice.reset()
	bob.reset()

	hub.HandleMessage(bob, protocol.SubmitOperation{
		Type:      protocol.TypeSubmitOperation,
		SessionID: sessionID,
		UserID:    "bob",
		Op:        session.Operation{Text: "late", Timestamp: 99},
	})

	if len(bob.messages()) != 0 {
		t.Fatalf("stale operation surfaced to sender: %#v", bob.messages())
	}
	if len(alice.messages()) != 0 {
		t.Fatalf("stale operation forwarded to room")
	}
}

func TestEndSessionRequiresInterviewer(t *testing.T) {
	hub, _ := newTestHub(t)
	sessionID, alice, bob := activeRoom(t, hub)

	hub.HandleMessage(bob, protocol.EndSession{Type: protocol.TypeEndSession, SessionID: sessionID, UserID: "bob"})
	msgs := bob.messages()
	if len(msgs) != 1 {
		t.Fatalf("bob received %d messages, want 1", len(msgs))
	}
	if errEvent, ok := msgs[0].(protocol.ErrorEvent); !ok || errEvent.Code != protocol.CodeUnauthorized {
		t.Fatalf("unexpected message: %#v", msgs[0])
	}
	if len(alice.messages()) != 0 {
		t.Fatalf("rejected end-session leaked to the room")
	}
}

func TestEndSessionArchivesAndPersists(t *testing.T) {
	hub, store := newTestHub(t)
	sessionID, alice, bob := activeRoom(t, hub)

	hub.HandleMessage(alice, protocol.EndSession{Type: protocol.TypeEndSession, SessionID: sessionID, UserID: "alice"})

	for _, conn := range []*fakeConn{alice, bob} {
		snap := lastSnapshot(t, conn)
		if snap.State != session.StateArchived {
			t.Fatalf("peer saw state %q, want archived", snap.State)
		}
	}

	waitForSnapshot(t, store, sessionID)
}

func TestDisconnectAutoArchivesBeforeRoleCleanup(t *testing.T) {
	hub, store := newTestHub(t)
	sessionID, alice, bob := activeRoom(t, hub)

	hub.HandleDisconnect(bob)

	var archivedAt, clearedAt = -1, -1
	for i, msg := range alice.messages() {
		snap, ok := msg.(protocol.SessionSnapshot)
		if !ok {
			continue
		}
		if snap.Session.State == session.StateArchived && snap.Session.Interviewee == "bob" && archivedAt < 0 {
			archivedAt = i
		}
		if snap.Session.State == session.StateArchived && snap.Session.Interviewee == "" && clearedAt < 0 {
			clearedAt = i
		}
	}
	if archivedAt < 0 {
		t.Fatalf("no archived snapshot with role bindings delivered")
	}
	if clearedAt < 0 {
		t.Fatalf("no role-cleared snapshot delivered")
	}
	if archivedAt > clearedAt {
		t.Fatalf("role cleanup broadcast before archived snapshot (%d vs %d)", clearedAt, archivedAt)
	}

	persisted := waitForSnapshot(t, store, sessionID)
	if persisted.EndedAt.IsZero() {
		t.Fatalf("persisted snapshot missing endedAt")
	}
	if persisted.Interviewee != "bob" {
		t.Fatalf("audit snapshot lost role binding: %+v", persisted)
	}
}

func TestSignalRelayPassThroughVerbatim(t *testing.T) {
	hub, _ := newTestHub(t)
	sessionID, alice, bob := activeRoom(t, hub)

	hub.HandleMessage(bob, protocol.SignalRelay{
		Type:      protocol.TypeSignalRelay,
		SessionID: sessionID,
		UserID:    "bob",
		Payload:   []byte(`{"sdp":"offer"}`),
	})

	var sig *protocol.SignalEvent
	for _, msg := range alice.messages() {
		if s, ok := msg.(protocol.SignalEvent); ok {
			sig = &s
		}
	}
	if sig == nil {
		t.Fatalf("signal not forwarded")
	}
	if sig.From != "bob" {
		t.Fatalf("signal From = %q, want bob", sig.From)
	}
	for _, msg := range bob.messages() {
		if _, ok := msg.(protocol.SignalEvent); ok {
			t.Fatalf("signal echoed to sender")
		}
	}
}

func TestAwarenessReplacedWholesaleAndRemovedOnDisconnect(t *testing.T) {
	hub, _ := newTestHub(t)
	sessionID, alice, bob := activeRoom(t, hub)

	hub.HandleMessage(bob, protocol.AwarenessUpdate{
		Type:      protocol.TypeAwarenessUpdate,
		SessionID: sessionID,
		UserID:    "bob",
		Record: protocol.AwarenessRecord{
			Role:   session.RoleInterviewee,
			Cursor: &protocol.Cursor{Index: 7},
		},
	})

	var seen *protocol.AwarenessEvent
	for _, msg := range alice.messages() {
		if ev, ok := msg.(protocol.AwarenessEvent); ok {
			seen = &ev
		}
	}
	if seen == nil || seen.Record.Cursor == nil || seen.Record.Cursor.Index != 7 {
		t.Fatalf("awareness not fanned out: %#v", seen)
	}
	if seen.Record.UserID != "bob" {
		t.Fatalf("awareness record not stamped with sender: %+v", seen.Record)
	}
	alice.reset()

	hub.HandleDisconnect(bob)

	var removed bool
	for _, msg := range alice.messages() {
		if ev, ok := msg.(protocol.AwarenessEvent); ok && ev.Removed && ev.UserID == "bob" {
			removed = true
		}
	}
	if !removed {
		t.Fatalf("awareness removal not broadcast on disconnect")
	}
}

func waitForSnapshot(t *testing.T, store *archive.InMemoryStore, sessionID string) session.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := store.GetSnapshot(context.Background(), sessionID)
		if err == nil {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("snapshot %s never reached the archive store", sessionID)
	return session.Snapshot{}
}
