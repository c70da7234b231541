package session

import (
	"sort"
	"time"
)

// Room is the per-session lifecycle state machine: two participants, one
// bound role each, an append-only operation log, and a monotonic
// CREATED -> ACTIVE -> ARCHIVED lifecycle.
//
// Room methods are not safe for concurrent use; the Registry serializes all
// access, matching the single relay loop that drives it.
type Room struct {
	id           string
	state        State
	interviewer  string
	interviewee  string
	participants map[string]struct{}
	operations   []Operation
	notes        map[Role]NoteState
	question     string
	createdAt    time.Time
	startedAt    time.Time
	endedAt      time.Time

	now func() time.Time
}

// NewRoom creates a room in CREATED state. The creating interviewer is bound
// to the interviewer role immediately, not merely registered as a candidate.
func NewRoom(id, interviewerID string) *Room {
	r := &Room{
		id:           id,
		state:        StateCreated,
		interviewer:  interviewerID,
		participants: map[string]struct{}{interviewerID: {}},
		notes:        make(map[Role]NoteState),
		now:          func() time.Time { return time.Now().UTC() },
	}
	r.createdAt = r.now()
	return r
}

func (r *Room) ID() string          { return r.id }
func (r *Room) State() State        { return r.state }
func (r *Room) Interviewer() string { return r.interviewer }
func (r *Room) Interviewee() string { return r.interviewee }

// RoleOf reports the role currently bound to userID, if any.
func (r *Room) RoleOf(userID string) (Role, bool) {
	switch {
	case userID != "" && userID == r.interviewer:
		return RoleInterviewer, true
	case userID != "" && userID == r.interviewee:
		return RoleInterviewee, true
	default:
		return "", false
	}
}

// CanJoin checks admission for userID under role. The check order is a
// contract: capacity first, then duplicate membership, then role
// availability — callers branch on the first failing reason.
func (r *Room) CanJoin(userID string, role Role) JoinDecision {
	_, member := r.participants[userID]
	if !member && len(r.participants) >= Capacity {
		return JoinDecision{Reason: ReasonRoomFull}
	}
	if member {
		if held, ok := r.RoleOf(userID); ok && held == role {
			// Idempotent rejoin into the role the user already holds.
			return JoinDecision{Allowed: true}
		}
		return JoinDecision{Reason: ReasonAlreadyInRoom}
	}
	switch role {
	case RoleInterviewer:
		if r.interviewer != "" && r.interviewer != userID {
			return JoinDecision{Reason: ReasonInterviewerTaken}
		}
	case RoleInterviewee:
		if r.interviewee != "" && r.interviewee != userID {
			return JoinDecision{Reason: ReasonIntervieweeTaken}
		}
	}
	return JoinDecision{Allowed: true}
}

// Join admits userID under role. Only the interviewee role is bound here;
// the interviewer is bound at creation. Rejoining an already-held role is a
// successful no-op.
func (r *Room) Join(userID string, role Role) JoinDecision {
	decision := r.CanJoin(userID, role)
	if !decision.Allowed {
		return decision
	}
	r.participants[userID] = struct{}{}
	if role == RoleInterviewee && r.interviewee == "" {
		r.interviewee = userID
	}
	return decision
}

// Start transitions CREATED -> ACTIVE. Only the bound interviewer may start,
// and only once; any violation returns false with no state change.
func (r *Room) Start(userID string) bool {
	if r.state != StateCreated || userID == "" || userID != r.interviewer {
		return false
	}
	r.state = StateActive
	r.startedAt = r.now()
	return true
}

// AddOperation appends op to the log. Accepted only while ACTIVE; the
// timestamp is stamped relative to session start when the author did not
// already supply one. Append order is arrival order, not timestamp order.
func (r *Room) AddOperation(op Operation) bool {
	if r.state != StateActive {
		return false
	}
	if op.Timestamp <= 0 {
		op.Timestamp = r.now().Sub(r.startedAt).Milliseconds()
	}
	r.operations = append(r.operations, op)
	return true
}

// SetNote replaces the note state held for role. Rejected once archived.
func (r *Room) SetNote(role Role, note NoteState) bool {
	if r.state == StateArchived {
		return false
	}
	r.notes[role] = note
	return true
}

// SetQuestion replaces the shared question text. Rejected once archived.
func (r *Room) SetQuestion(text string) bool {
	if r.state == StateArchived {
		return false
	}
	r.question = text
	return true
}

// Archive transitions to the terminal ARCHIVED state and returns the frozen
// snapshot. Archiving an already-archived room is a no-op returning the same
// logical snapshot.
func (r *Room) Archive() Snapshot {
	if r.state != StateArchived {
		r.state = StateArchived
		r.endedAt = r.now()
	}
	return r.Snapshot()
}

// RemoveParticipant drops userID from the participant set. A held role slot
// is cleared so a future joiner can take it, unless the room is already
// archived, in which case bindings are frozen for audit.
func (r *Room) RemoveParticipant(userID string) {
	delete(r.participants, userID)
	if r.state == StateArchived {
		return
	}
	r.clearRole(userID)
}

// ClearRole unbinds userID's role slot regardless of lifecycle state. The
// relay uses it on disconnect, after the archived snapshot has already
// captured the bindings.
func (r *Room) ClearRole(userID string) {
	r.clearRole(userID)
}

func (r *Room) clearRole(userID string) {
	if r.interviewer == userID {
		r.interviewer = ""
	}
	if r.interviewee == userID {
		r.interviewee = ""
	}
}

// Snapshot returns a deep copy of the room's current state.
func (r *Room) Snapshot() Snapshot {
	participants := make([]string, 0, len(r.participants))
	for id := range r.participants {
		participants = append(participants, id)
	}
	sort.Strings(participants)

	ops := make([]Operation, len(r.operations))
	copy(ops, r.operations)

	var notes map[Role]NoteState
	if len(r.notes) > 0 {
		notes = make(map[Role]NoteState, len(r.notes))
		for role, note := range r.notes {
			lines := make([]NoteLine, len(note.Lines))
			copy(lines, note.Lines)
			note.Lines = lines
			notes[role] = note
		}
	}

	return Snapshot{
		ID:           r.id,
		State:        r.state,
		Interviewer:  r.interviewer,
		Interviewee:  r.interviewee,
		Participants: participants,
		Operations:   ops,
		Notes:        notes,
		Question:     r.question,
		CreatedAt:    r.createdAt,
		StartedAt:    r.startedAt,
		EndedAt:      r.endedAt,
	}
}
