package timeline

import (
	"context"
	"time"

	"github.com/mzanetti/pairview/internal/docsync"
)

// Player is the cooperative playback task: a local ticker that advances the
// shared currentTime. Ticks are batched at the debounce interval before
// being written to the replicated map to bound update volume; the interval
// is a tunable, not an invariant.
type Player struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPlayback claims playback for userID and begins publishing currentTime
// from the given origin. It returns nil, false when another user holds the
// playback controller slot. Stop (or ctx cancellation) halts publishing;
// there is no server-side timer to cancel.
func (c *Coordinator) StartPlayback(ctx context.Context, userID string, from int64, debounce time.Duration) (*Player, bool, error) {
	ok, err := c.SetPlaying(userID, true)
	if err != nil || !ok {
		return nil, ok, err
	}
	if debounce <= 0 {
		debounce = 40 * time.Millisecond
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &Player{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		start := time.Now()
		ticker := time.NewTicker(debounce)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				pos := from + time.Since(start).Milliseconds()
				c.mu.Lock()
				err := c.doc.SetTimelineKey(docsync.KeyCurrentTime, pos)
				c.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	return p, true, nil
}

// Stop halts the ticker and releases the playback controller slot.
func (c *Coordinator) Stop(p *Player, userID string) error {
	if p != nil {
		p.cancel()
		<-p.done
	}
	_, err := c.SetPlaying(userID, false)
	return err
}
