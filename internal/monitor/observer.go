package monitor

import (
	"time"

	"github.com/rs/zerolog"
)

// Op identifies what triggered a notification.
type Op string

const (
	OpBorrow    Op = "borrow"
	OpRelease   Op = "release"
	OpClose     Op = "close"
	OpScheduled Op = "scheduled"
	OpManual    Op = "manual"
)

// Event describes a completed pool operation.
type Event struct {
	Op     Op
	Target string
	Owner  string
	Kind   string
	// Result is a stable label for the outcome ("ok", "exhausted", ...).
	Result string
	Err    error
	At     time.Time
	// Duration is how long the operation took, when measured.
	Duration time.Duration
}

// EntryView is a read-only copy of one pooled entry.
type EntryView struct {
	ID         string    `json:"id"`
	Target     string    `json:"target"`
	Owner      string    `json:"owner"`
	Kind       string    `json:"kind"`
	Borrowed   bool      `json:"borrowed"`
	Pending    bool      `json:"pending"`
	Valid      bool      `json:"valid"`
	Borrows    int       `json:"borrows"`
	CreatedAt  time.Time `json:"created_at"`
	BorrowedAt time.Time `json:"borrowed_at,omitempty"`
	ReleasedAt time.Time `json:"released_at,omitempty"`
}

// SweepResult counts what one sweep pass did.
type SweepResult struct {
	Released int `json:"released"`
	Closed   int `json:"closed"`
	Evicted  int `json:"evicted"`
}

// Total is the number of entries touched.
func (r SweepResult) Total() int { return r.Released + r.Closed + r.Evicted }

// Subject is a pool that observers can inspect.
type Subject interface {
	Name() string
	Sweep() SweepResult
	Snapshot() []EntryView
}

// Observer is visited after pool operations and on every scheduled tick.
type Observer interface {
	Visit(s Subject, ev Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(s Subject, ev Event)

func (f ObserverFunc) Visit(s Subject, ev Event) { f(s, ev) }

// LogObserver warns about failed operations.
type LogObserver struct {
	logger zerolog.Logger
}

func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Visit(s Subject, ev Event) {
	if ev.Err != nil {
		o.logger.Warn().
			Str("pool", s.Name()).
			Str("op", string(ev.Op)).
			Str("target", ev.Target).
			Str("owner", ev.Owner).
			Str("result", ev.Result).
			Err(ev.Err).
			Msg("pool operation failed")
		return
	}
	if ev.Op == OpScheduled {
		return
	}
	o.logger.Debug().
		Str("pool", s.Name()).
		Str("op", string(ev.Op)).
		Str("target", ev.Target).
		Str("owner", ev.Owner).
		Str("result", ev.Result).
		Msg("pool operation")
}

// InspectObserver runs the subject's sweep on every visit.
type InspectObserver struct {
	logger zerolog.Logger
}

func NewInspectObserver(logger zerolog.Logger) *InspectObserver {
	return &InspectObserver{logger: logger}
}

func (o *InspectObserver) Visit(s Subject, ev Event) {
	res := s.Sweep()
	if res.Total() == 0 {
		return
	}
	o.logger.Info().
		Str("pool", s.Name()).
		Str("trigger", string(ev.Op)).
		Int("released", res.Released).
		Int("closed", res.Closed).
		Int("evicted", res.Evicted).
		Msg("sweep reclaimed connections")
}
