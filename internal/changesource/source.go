// Package changesource identifies the peer on one agent connection and
// tracks when it was last heard from.
package changesource

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Source is a per-connection identity. It is created when a connection
// signals connected and discarded when it signals disconnected; it is
// never reused across connections, and is exclusively owned by the
// connection endpoint that created it.
type Source struct {
	id           uuid.UUID
	lastActivity atomic.Int64 // monotonic seconds
}

// New returns a freshly identified Source.
func New() *Source {
	return &Source{id: uuid.New()}
}

// ID returns the source's opaque identifier.
func (s *Source) ID() string { return s.id.String() }

// LastActivity returns the last monotonic-seconds timestamp recorded by
// SetLastActivity.
func (s *Source) LastActivity() int64 { return s.lastActivity.Load() }

// SetLastActivity idempotently advances last-activity to t. Replays with
// a smaller or equal t than what is already recorded are ignored, so
// LastActivity is non-decreasing over the source's lifetime regardless of
// call order.
func (s *Source) SetLastActivity(t int64) {
	for {
		cur := s.lastActivity.Load()
		if t <= cur {
			return
		}
		if s.lastActivity.CompareAndSwap(cur, t) {
			return
		}
	}
}
