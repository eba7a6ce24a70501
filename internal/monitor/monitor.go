package monitor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the scheduler state of a Monitor.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateFiring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateFiring:
		return "firing"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// idleWait is how long the scheduler sleeps with nothing scheduled. Schedule
// wakes it early.
const idleWait = time.Hour

type schedule struct {
	period time.Duration
	next   time.Time
}

// Monitor fans pool events out to observers and periodically fires
// scheduled subjects from one background goroutine.
type Monitor struct {
	mu        sync.RWMutex
	observers []Observer
	schedules map[Subject]*schedule

	wake     chan struct{}
	loopOnce sync.Once
	state    atomic.Int32
	logger   zerolog.Logger
}

var (
	defaultOnce    sync.Once
	defaultMonitor *Monitor
)

// Default returns the process-wide monitor, creating it on first use with a
// LogObserver and an InspectObserver attached.
func Default() *Monitor {
	defaultOnce.Do(func() {
		logger := log.With().Str("component", "monitor").Logger()
		defaultMonitor = New(NewLogObserver(logger), NewInspectObserver(logger))
	})
	return defaultMonitor
}

// New returns a monitor visiting observers in the given order.
func New(observers ...Observer) *Monitor {
	return &Monitor{
		observers: append([]Observer(nil), observers...),
		schedules: make(map[Subject]*schedule),
		wake:      make(chan struct{}, 1),
		logger:    log.With().Str("component", "monitor").Logger(),
	}
}

// Attach appends an observer.
func (m *Monitor) Attach(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Observers returns the number of attached observers.
func (m *Monitor) Observers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}

// State reports the scheduler state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Notify visits every observer with ev, in attachment order, on the calling
// goroutine.
func (m *Monitor) Notify(s Subject, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.mu.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.RUnlock()

	for _, o := range observers {
		m.visit(o, s, ev)
	}
}

func (m *Monitor) visit(o Observer, s Subject, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("pool", s.Name()).
				Str("op", string(ev.Op)).
				Str("observer", fmt.Sprintf("%T", o)).
				Interface("panic", r).
				Msg("observer panicked")
		}
	}()
	o.Visit(s, ev)
}

// Schedule fires s every period until Unschedule. Scheduling an already
// scheduled subject replaces its period. Non-positive periods are ignored.
func (m *Monitor) Schedule(s Subject, period time.Duration) {
	if period <= 0 {
		return
	}
	m.mu.Lock()
	m.schedules[s] = &schedule{period: period, next: time.Now().Add(period)}
	m.mu.Unlock()

	m.loopOnce.Do(func() { go m.run() })
	m.poke()
}

// Unschedule stops periodic firing of s. A fire already in progress
// completes.
func (m *Monitor) Unschedule(s Subject) {
	m.mu.Lock()
	delete(m.schedules, s)
	m.mu.Unlock()
	m.poke()
}

// Scheduled reports whether s is scheduled.
func (m *Monitor) Scheduled(s Subject) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.schedules[s]
	return ok
}

func (m *Monitor) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Monitor) run() {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		timer.Reset(m.fireDue(time.Now()))
		select {
		case <-timer.C:
		case <-m.wake:
		}
	}
}

// fireDue fires every subject due at now and returns how long to sleep
// until the next one is due.
func (m *Monitor) fireDue(now time.Time) time.Duration {
	var due []Subject
	m.mu.Lock()
	for s, sc := range m.schedules {
		if !sc.next.After(now) {
			due = append(due, s)
			sc.next = now.Add(sc.period)
		}
	}
	m.mu.Unlock()

	if len(due) > 0 {
		m.state.Store(int32(StateFiring))
		for _, s := range due {
			m.Notify(s, Event{Op: OpScheduled, Result: "ok", At: now})
		}
	}

	wait := idleWait
	m.mu.RLock()
	pending := len(m.schedules)
	after := time.Now()
	for _, sc := range m.schedules {
		if d := sc.next.Sub(after); d < wait {
			wait = d
		}
	}
	m.mu.RUnlock()

	if pending == 0 {
		m.state.Store(int32(StateIdle))
	} else {
		m.state.Store(int32(StateScheduled))
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}
