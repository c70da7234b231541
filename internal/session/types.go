package session

import "time"

type State string

const (
	StateCreated  State = "created"
	StateActive   State = "active"
	StateArchived State = "archived"
)

type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleInterviewee Role = "interviewee"
)

// Capacity is the fixed participant limit for an interview room.
const Capacity = 2

// Join rejection reasons. Clients branch on the exact strings, so they are
// part of the wire contract.
const (
	ReasonRoomFull         = "Room is full"
	ReasonAlreadyInRoom    = "User already in room"
	ReasonInterviewerTaken = "Interviewer role is taken"
	ReasonIntervieweeTaken = "Interviewee role is taken"
)

// Operation is a single text-edit delta appended to the room's log while the
// session is active. From and To are offsets into the author's local document
// at the time the edit was produced, not a globally-consistent index.
type Operation struct {
	From      int    `json:"from"`
	To        int    `json:"to"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // ms since session start
	Source    string `json:"source"`
}

// NoteLine carries per-line metadata attached to a role's private notes.
type NoteLine struct {
	Number int    `json:"number"`
	Kind   string `json:"kind,omitempty"`
}

type NoteState struct {
	Text  string     `json:"text"`
	Lines []NoteLine `json:"lines,omitempty"`
}

// JoinDecision is the result of a capacity/role admission check.
type JoinDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Snapshot is an immutable copy of a room, emitted on every state-changing
// broadcast and handed to the archive store when the session ends.
type Snapshot struct {
	ID           string             `json:"id"`
	State        State              `json:"state"`
	Interviewer  string             `json:"interviewer,omitempty"`
	Interviewee  string             `json:"interviewee,omitempty"`
	Participants []string           `json:"participants"`
	Operations   []Operation        `json:"operations"`
	Notes        map[Role]NoteState `json:"notes,omitempty"`
	Question     string             `json:"question,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    time.Time          `json:"started_at,omitzero"`
	EndedAt      time.Time          `json:"ended_at,omitzero"`
}
