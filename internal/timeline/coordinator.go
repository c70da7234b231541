// Package timeline arbitrates playback/seek ownership for a session's
// reconstructed history and implements the deterministic replay fold.
//
// Ownership is advisory: the lock fields live in the replicated timeline
// map, every client honors them cooperatively, and the coordinator only
// guarantees local mutual exclusion (two racing requests through the same
// coordinator resolve to one winner). A fencing-token scheme validated by
// the relay would close the remaining cross-client race.
package timeline

import (
	"sync"
	"time"

	"github.com/mzanetti/pairview/internal/docsync"
	"github.com/mzanetti/pairview/internal/session"
)

// Phase is the client-local playback state.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePlaying  Phase = "playing"
	PhaseSeeking  Phase = "seeking"
	PhaseUpdating Phase = "updating"
)

// Coordinator drives one client's view of the shared timeline state.
type Coordinator struct {
	mu              sync.Mutex
	doc             *docsync.Doc
	phase           Phase
	transitionGrace time.Duration
	now             func() time.Time
	onClamp         func(int)
}

func NewCoordinator(doc *docsync.Doc, transitionGrace time.Duration) *Coordinator {
	return &Coordinator{
		doc:             doc,
		phase:           PhaseIdle,
		transitionGrace: transitionGrace,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// OnClamp registers a hook invoked with the clamp count of each replay.
func (c *Coordinator) OnClamp(fn func(int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClamp = fn
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// RequestControl claims the timeline lock for userID. It fails when another
// user currently holds it; re-claiming one's own lock succeeds.
func (c *Coordinator) RequestControl(userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.doc.Timeline()
	if state.ControlledBy != "" && state.ControlledBy != userID {
		return false, nil
	}
	if err := c.doc.SetTimelineKey(docsync.KeyControlledBy, userID); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseControl clears the lock only when userID holds it. A stale release
// never clears someone else's lock.
func (c *Coordinator) ReleaseControl(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.doc.Timeline().ControlledBy != userID {
		return nil
	}
	return c.doc.SetTimelineKey(docsync.KeyControlledBy, "")
}

// SetPlaying toggles playback. Turning on claims the playback controller
// slot if free; turning off clears it and, outside the post-archive grace
// window, also clears the operation applier.
func (c *Coordinator) SetPlaying(userID string, playing bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.doc.Timeline()
	if playing {
		if state.PlaybackController != "" && state.PlaybackController != userID {
			return false, nil
		}
		if err := c.doc.SetTimelineKey(docsync.KeyPlaybackController, userID); err != nil {
			return false, err
		}
		if err := c.doc.SetTimelineKey(docsync.KeyIsPlaying, true); err != nil {
			return false, err
		}
		c.phase = PhasePlaying
		return true, nil
	}

	if err := c.doc.SetTimelineKey(docsync.KeyIsPlaying, false); err != nil {
		return false, err
	}
	if err := c.doc.SetTimelineKey(docsync.KeyPlaybackController, ""); err != nil {
		return false, err
	}
	if !c.inTransitionGrace() {
		if err := c.doc.SetInterviewKey(docsync.KeyOperationApplier, ""); err != nil {
			return false, err
		}
	}
	c.phase = PhaseIdle
	return true, nil
}

// StartSeek marks userID as the seeking user and forces playback off. Peers
// whose seekingUser is someone else disable their timeline controls until
// the seek ends.
func (c *Coordinator) StartSeek(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.doc.SetTimelineKey(docsync.KeyIsSeeking, true); err != nil {
		return err
	}
	if err := c.doc.SetTimelineKey(docsync.KeySeekingUser, userID); err != nil {
		return err
	}
	if err := c.doc.SetTimelineKey(docsync.KeyIsPlaying, false); err != nil {
		return err
	}
	c.phase = PhaseSeeking
	return nil
}

// EndSeek clears the seek marker when userID owns it.
func (c *Coordinator) EndSeek(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.doc.Timeline()
	if state.SeekingUser != "" && state.SeekingUser != userID {
		return nil
	}
	if err := c.doc.SetTimelineKey(docsync.KeyIsSeeking, false); err != nil {
		return err
	}
	if err := c.doc.SetTimelineKey(docsync.KeySeekingUser, ""); err != nil {
		return err
	}
	c.phase = PhaseIdle
	return nil
}

// ControlsEnabled reports whether userID may operate the timeline controls:
// true unless another user is mid-seek.
func (c *Coordinator) ControlsEnabled(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.doc.Timeline()
	return state.SeekingUser == "" || state.SeekingUser == userID
}

// Seek writes the target position and returns the document content
// reconstructed at that instant.
func (c *Coordinator) Seek(log []session.Operation, targetTime int64) (string, error) {
	c.mu.Lock()
	c.phase = PhaseUpdating
	onClamp := c.onClamp
	c.mu.Unlock()

	content, clamps := ReconstructCounted(log, targetTime)
	if clamps > 0 && onClamp != nil {
		onClamp(clamps)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.doc.SetTimelineKey(docsync.KeyCurrentTime, targetTime); err != nil {
		return "", err
	}
	if c.phase == PhaseUpdating {
		c.phase = PhaseIdle
	}
	return content, nil
}

func (c *Coordinator) inTransitionGrace() bool {
	transition := c.doc.Interview().TransitionTimestamp
	if transition <= 0 {
		return false
	}
	elapsed := c.now().UnixMilli() - transition
	return elapsed >= 0 && elapsed < c.transitionGrace.Milliseconds()
}
