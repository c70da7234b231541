package docsync

import (
	"context"
	"time"
)

// ClaimInitializer elects the client responsible for pushing the
// reconstructed operation log to the archive store after a session ends.
//
// First committed write wins: the sole connected peer claims immediately;
// otherwise the caller waits out grace (the replicated map's
// eventual-consistency lag budget) and claims only if the slot is still
// unset. Duplicate claims under a partition are possible and harmless — the
// push is idempotent.
func (d *Doc) ClaimInitializer(ctx context.Context, solePeer bool, grace time.Duration) (bool, error) {
	state := d.Interview()
	if state.OperationsInitialized {
		return false, nil
	}
	if state.OperationsInitializer != "" {
		return state.OperationsInitializer == d.actor, nil
	}

	if !solePeer {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
		state = d.Interview()
		if state.OperationsInitialized {
			return false, nil
		}
		if state.OperationsInitializer != "" {
			return state.OperationsInitializer == d.actor, nil
		}
	}

	if err := d.SetInterviewKey(KeyOperationsInitializer, d.actor); err != nil {
		return false, err
	}
	return true, nil
}

// MarkOperationsInitialized records that the initializer finished pushing
// the reconstructed log.
func (d *Doc) MarkOperationsInitialized() error {
	return d.SetInterviewKey(KeyOperationsInitialized, true)
}

// MarkTransition stamps the ACTIVE->ARCHIVED boundary used for the
// post-session grace window.
func (d *Doc) MarkTransition(at time.Time) error {
	return d.SetInterviewKey(KeyTransitionTimestamp, at.UnixMilli())
}
