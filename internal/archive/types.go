package archive

import (
	"context"
	"errors"

	"github.com/mzanetti/pairview/internal/session"
)

var ErrNotFound = errors.New("archived session not found")

// Store persists the frozen snapshot a room emits when it archives. This is
// the registry->archive handoff boundary: once a snapshot is saved the room
// can be evicted from the registry and later reads come from here.
type Store interface {
	SaveSnapshot(ctx context.Context, snap session.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (session.Snapshot, error)
	Close() error
}
