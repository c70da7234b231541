package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mzanetti/pairview/internal/session"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client commands.
const (
	TypeCreateSession   MessageType = "create-session"
	TypeJoinSession     MessageType = "join-session"
	TypeStartSession    MessageType = "start-session"
	TypeEndSession      MessageType = "end-session"
	TypeSubmitOperation MessageType = "submit-operation"
	TypeSignalRelay     MessageType = "signal-relay"
	TypeDocDelta        MessageType = "doc-delta"
	TypeAwarenessUpdate MessageType = "awareness-update"
	TypeVideoReady      MessageType = "video:ready"
	TypeUploadStatus    MessageType = "upload:status"
)

// Server events.
const (
	TypeSessionSnapshot MessageType = "session-snapshot"
	TypeUserJoined      MessageType = "user-joined"
	TypeUserLeft        MessageType = "user-left"
	TypeOperation       MessageType = "operation"
	TypeAwareness       MessageType = "awareness"
	TypeSignal          MessageType = "signal"
	TypeErrorEvent      MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type CreateSession struct {
	Type   MessageType `json:"type"`
	UserID string      `json:"user_id"`
}

type JoinSession struct {
	Type      MessageType  `json:"type"`
	SessionID string       `json:"session_id"`
	UserID    string       `json:"user_id"`
	Role      session.Role `json:"role"`
}

type StartSession struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
}

type EndSession struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
}

type SubmitOperation struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	Op        session.Operation `json:"op"`
}

// SignalRelay carries opaque media-signaling payloads forwarded verbatim to
// the other room members.
type SignalRelay struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Payload   json.RawMessage `json:"payload"`
}

// DocDelta carries an opaque replicated-document update produced by one
// client's CRDT provider, relayed to the other replica.
type DocDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	Container string      `json:"container"`
	DeltaB64  string      `json:"delta_b64"`
}

// Cursor is a selection in the shared code buffer.
type Cursor struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// MousePointer is a transient pointer beacon.
type MousePointer struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	LineNumber int     `json:"line_number"`
	ScrollTop  float64 `json:"scroll_top"`
	Timestamp  int64   `json:"timestamp"`
}

// AwarenessRecord is the ephemeral per-client presence record. It is
// replaced wholesale on every local update and dropped on disconnect; it is
// never persisted.
type AwarenessRecord struct {
	UserID       string        `json:"user_id"`
	Role         session.Role  `json:"role"`
	Color        string        `json:"color,omitempty"`
	Cursor       *Cursor       `json:"cursor,omitempty"`
	MousePointer *MousePointer `json:"mouse_pointer,omitempty"`
	MicMuted     bool          `json:"mic_muted"`
	CameraOff    bool          `json:"camera_off"`
	LastUpdate   int64         `json:"last_update"`
}

type AwarenessUpdate struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Record    AwarenessRecord `json:"record"`
}

type VideoReady struct {
	Type      MessageType  `json:"type"`
	SessionID string       `json:"session_id"`
	Role      session.Role `json:"role"`
	Ready     bool         `json:"ready"`
}

type UploadStatus struct {
	Type      MessageType  `json:"type"`
	SessionID string       `json:"session_id"`
	Role      session.Role `json:"role"`
	Status    string       `json:"status"`
}

type SessionSnapshot struct {
	Type    MessageType      `json:"type"`
	Session session.Snapshot `json:"session"`
}

type UserJoined struct {
	Type      MessageType  `json:"type"`
	SessionID string       `json:"session_id"`
	UserID    string       `json:"user_id"`
	Role      session.Role `json:"role"`
}

type UserLeft struct {
	Type      MessageType  `json:"type"`
	SessionID string       `json:"session_id"`
	UserID    string       `json:"user_id"`
	Role      session.Role `json:"role,omitempty"`
}

type OperationEvent struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	Op        session.Operation `json:"op"`
}

// AwarenessEvent fans one client's presence record out to the room. Removed
// marks a disconnect, after which peers drop the record.
type AwarenessEvent struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Record    AwarenessRecord `json:"record"`
	Removed   bool            `json:"removed,omitempty"`
}

// SignalEvent is the verbatim pass-through of SignalRelay, VideoReady and
// UploadStatus payloads to the rest of the room.
type SignalEvent struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Reason    string      `json:"reason,omitempty"`
}

// Error codes surfaced to the originating client only.
const (
	CodeJoinRejected = "join_rejected"
	CodeRoomNotFound = "room_not_found"
	CodeUnauthorized = "unauthorized"
	CodeInvalid      = "invalid_client_message"
)

// ParseClientMessage decodes raw into the matching command variant. The
// variant set is closed: unknown types are rejected, so adding a command is
// a compile-time-checked change here and in the relay's dispatch switch.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeCreateSession:
		var msg CreateSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.UserID == "" {
			return nil, errors.New("invalid create-session")
		}
		return msg, nil
	case TypeJoinSession:
		var msg JoinSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.UserID == "" || !validRole(msg.Role) {
			return nil, errors.New("invalid join-session")
		}
		return msg, nil
	case TypeStartSession:
		var msg StartSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.UserID == "" {
			return nil, errors.New("invalid start-session")
		}
		return msg, nil
	case TypeEndSession:
		var msg EndSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.UserID == "" {
			return nil, errors.New("invalid end-session")
		}
		return msg, nil
	case TypeSubmitOperation:
		var msg SubmitOperation
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.UserID == "" || msg.Op.From < 0 || msg.Op.From > msg.Op.To {
			return nil, errors.New("invalid submit-operation")
		}
		return msg, nil
	case TypeSignalRelay:
		var msg SignalRelay
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.UserID == "" || len(msg.Payload) == 0 {
			return nil, errors.New("invalid signal-relay")
		}
		return msg, nil
	case TypeDocDelta:
		var msg DocDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.UserID == "" || msg.Container == "" || msg.DeltaB64 == "" {
			return nil, errors.New("invalid doc-delta")
		}
		return msg, nil
	case TypeAwarenessUpdate:
		var msg AwarenessUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.UserID == "" {
			return nil, errors.New("invalid awareness-update")
		}
		return msg, nil
	case TypeVideoReady:
		var msg VideoReady
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || !validRole(msg.Role) {
			return nil, errors.New("invalid video:ready")
		}
		return msg, nil
	case TypeUploadStatus:
		var msg UploadStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || !validRole(msg.Role) || msg.Status == "" {
			return nil, errors.New("invalid upload:status")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func validRole(role session.Role) bool {
	return role == session.RoleInterviewer || role == session.RoleInterviewee
}
