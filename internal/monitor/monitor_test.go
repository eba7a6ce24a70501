package monitor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubject struct {
	name   string
	sweeps atomic.Int32
	result SweepResult
}

func (s *fakeSubject) Name() string { return s.name }
func (s *fakeSubject) Sweep() SweepResult {
	s.sweeps.Add(1)
	return s.result
}
func (s *fakeSubject) Snapshot() []EntryView { return nil }

type recorder struct {
	mu     sync.Mutex
	name   string
	order  *[]string
	events []Event
}

func (r *recorder) Visit(_ Subject, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.order != nil {
		*r.order = append(*r.order, r.name)
	}
}

func (r *recorder) count(op Op) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Op == op {
			n++
		}
	}
	return n
}

func TestNotifyVisitsObserversInOrder(t *testing.T) {
	var order []string
	a := &recorder{name: "a", order: &order}
	b := &recorder{name: "b", order: &order}
	m := New(a)
	m.Attach(b)
	m.Attach(nil)

	m.Notify(&fakeSubject{name: "p"}, Event{Op: OpBorrow, Target: "u@h:22"})

	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 2, m.Observers())
	require.Len(t, a.events, 1)
	assert.False(t, a.events[0].At.IsZero())
	assert.Equal(t, "u@h:22", a.events[0].Target)
}

func TestNotifyRecoversPanickingObserver(t *testing.T) {
	after := &recorder{}
	m := New(ObserverFunc(func(Subject, Event) { panic("boom") }), after)

	assert.NotPanics(t, func() {
		m.Notify(&fakeSubject{name: "p"}, Event{Op: OpRelease})
	})
	assert.Equal(t, 1, after.count(OpRelease))
}

func TestInspectObserverSweeps(t *testing.T) {
	s := &fakeSubject{name: "p", result: SweepResult{Closed: 1}}
	m := New(NewInspectObserver(zerolog.Nop()))

	m.Notify(s, Event{Op: OpClose})
	m.Notify(s, Event{Op: OpBorrow, Err: errors.New("exhausted")})

	assert.EqualValues(t, 2, s.sweeps.Load())
}

func TestLogObserverHandlesEveryOp(t *testing.T) {
	o := NewLogObserver(zerolog.Nop())
	s := &fakeSubject{name: "p"}
	for _, op := range []Op{OpBorrow, OpRelease, OpClose, OpScheduled, OpManual} {
		o.Visit(s, Event{Op: op})
		o.Visit(s, Event{Op: op, Err: errors.New("failed")})
	}
}

func TestScheduleFiresPeriodically(t *testing.T) {
	rec := &recorder{}
	m := New(rec)
	s := &fakeSubject{name: "p"}

	assert.Equal(t, StateIdle, m.State())
	m.Schedule(s, 10*time.Millisecond)
	assert.True(t, m.Scheduled(s))

	require.Eventually(t, func() bool { return rec.count(OpScheduled) >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, StateIdle, m.State())

	m.Unschedule(s)
	assert.False(t, m.Scheduled(s))
	require.Eventually(t, func() bool { return m.State() == StateIdle }, time.Second, 5*time.Millisecond)

	fired := rec.count(OpScheduled)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, fired, rec.count(OpScheduled))
}

func TestScheduleMultipleSubjects(t *testing.T) {
	var fast, slow atomic.Int32
	m := New(ObserverFunc(func(s Subject, ev Event) {
		if ev.Op != OpScheduled {
			return
		}
		switch s.Name() {
		case "fast":
			fast.Add(1)
		case "slow":
			slow.Add(1)
		}
	}))
	fs := &fakeSubject{name: "fast"}
	ss := &fakeSubject{name: "slow"}
	m.Schedule(ss, time.Hour)
	m.Schedule(fs, 5*time.Millisecond)
	t.Cleanup(func() {
		m.Unschedule(fs)
		m.Unschedule(ss)
	})

	require.Eventually(t, func() bool { return fast.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, slow.Load())
}

func TestScheduleIgnoresNonPositivePeriod(t *testing.T) {
	m := New()
	s := &fakeSubject{name: "p"}
	m.Schedule(s, 0)
	assert.False(t, m.Scheduled(s))
	assert.Equal(t, StateIdle, m.State())
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	assert.Same(t, a, b)
	assert.GreaterOrEqual(t, a.Observers(), 2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "scheduled", StateScheduled.String())
	assert.Equal(t, "firing", StateFiring.String())
	assert.Equal(t, "State(9)", State(9).String())
}
