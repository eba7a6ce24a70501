package pool

import "time"

// Action is a sweep decision for one entry.
type Action int

const (
	ActionKeep Action = iota
	// ActionRelease marks a borrowed entry released; the connection stays.
	ActionRelease
	// ActionClose disconnects and removes an idle or dead entry.
	ActionClose
	// ActionEvict disconnects and removes an idle entry of an over-capacity
	// target.
	ActionEvict
)

func (a Action) String() string {
	switch a {
	case ActionKeep:
		return "keep"
	case ActionRelease:
		return "release"
	case ActionClose:
		return "close"
	case ActionEvict:
		return "evict"
	}
	return "unknown"
}

// EntryState is what the sweep policy needs to know about an entry.
type EntryState struct {
	Borrowed   bool
	BorrowedAt time.Time
	ReleasedAt time.Time
	// Closed reports that the connection's transport is gone.
	Closed bool
}

// Decide applies the sweep policy to one entry. live is the number of
// entries its target held when the sweep began.
func Decide(st EntryState, live int, cfg Config, now time.Time) Action {
	if st.Borrowed {
		if now.Sub(st.BorrowedAt) > cfg.ReuseTimeout {
			return ActionRelease
		}
		return ActionKeep
	}
	if st.Closed || now.Sub(st.ReleasedAt) > cfg.CloseTimeout {
		return ActionClose
	}
	if live > cfg.MaxConnectionsPerTarget {
		return ActionEvict
	}
	return ActionKeep
}
