// Package docsync layers the session's named replicated containers on top of
// an externally supplied CRDT capability. The provider guarantees that two
// replicas applying disjoint local edits and exchanging opaque deltas in any
// order converge to the same content; nothing in this package reimplements
// merge logic.
package docsync

// Container names are a wire contract shared with every client version. Two
// clients attaching to the same session must use identical names or their
// replicas silently fail to converge.
const (
	ContainerCodeBuffer     = "codeBuffer"
	ContainerQuestionText   = "questionText"
	ContainerInterviewState = "interviewState"
	ContainerTimelineState  = "timelineState"
	ContainerHighlightState = "highlightState"
)

type OpKind string

const (
	OpEditText  OpKind = "edit_text"
	OpSetKey    OpKind = "set_key"
	OpDeleteKey OpKind = "delete_key"
)

// Op is a local mutation handed to the provider: a positional text edit for
// text containers, or a key write/delete for map containers.
type Op struct {
	Kind  OpKind `json:"kind"`
	From  int    `json:"from,omitempty"`
	To    int    `json:"to,omitempty"`
	Text  string `json:"text,omitempty"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Provider is the injected replicated-document capability.
type Provider interface {
	// ApplyLocalEdit applies op to the local replica and returns the opaque
	// delta to relay to the peer replica.
	ApplyLocalEdit(container string, op Op) ([]byte, error)
	// ApplyRemoteDelta merges a delta produced by the peer replica.
	ApplyRemoteDelta(container string, delta []byte) error
	// Subscribe registers fn to run after every local or remote mutation of
	// container; the returned func cancels the subscription.
	Subscribe(container string, fn func()) (cancel func())
	// Text returns the current content of a text container.
	Text(container string) string
	// Map returns a copy of the current content of a map container.
	Map(container string) map[string]any
}
