package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/claworc/sessionpool/internal/monitor"
	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
)

const (
	kindFake   protocol.Kind = "fake"
	kindOther  protocol.Kind = "other"
	kindBroken protocol.Kind = "broken"
	kindSlow   protocol.Kind = "slow"
)

var errRefused = errors.New("connection refused")

// fakeConn is an in-memory protocol.Connection.
type fakeConn struct {
	kind protocol.Kind
	seq  int64

	mu          sync.Mutex
	connected   bool
	closed      bool
	dead        bool
	disconnects int
	failConnect error
	failDisc    error
	gate        chan struct{}
	// panics makes IsValid and IsClosed panic.
	panics bool
}

func (c *fakeConn) Kind() protocol.Kind { return c.kind }

func (c *fakeConn) Connect(ctx context.Context, _ protocol.Target, _ time.Duration) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.failConnect != nil {
		return c.failConnect
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.closed = true
	return c.failDisc
}

func (c *fakeConn) IsValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panics {
		panic("fake connection: IsValid")
	}
	return c.connected && !c.closed && !c.dead
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panics {
		panic("fake connection: IsClosed")
	}
	return c.closed || c.dead
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

func (c *fakeConn) setPanics(v bool) {
	c.mu.Lock()
	c.panics = v
	c.mu.Unlock()
}

func (c *fakeConn) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// fakeProtocols is a registry of fake kinds that records every connection it
// creates.
type fakeProtocols struct {
	registry *protocol.Registry
	seq      atomic.Int64
	gate     chan struct{}

	mu      sync.Mutex
	created []*fakeConn
}

func newFakeProtocols(t *testing.T) *fakeProtocols {
	t.Helper()
	fp := &fakeProtocols{registry: protocol.NewRegistry(), gate: make(chan struct{})}
	for _, k := range []protocol.Kind{kindFake, kindOther, kindBroken, kindSlow} {
		k := k
		fp.registry.MustRegister(protocol.Definition{Kind: k, New: func() protocol.Connection {
			c := &fakeConn{kind: k, seq: fp.seq.Add(1)}
			switch k {
			case kindBroken:
				c.failConnect = errRefused
			case kindSlow:
				c.gate = fp.gate
			}
			fp.mu.Lock()
			fp.created = append(fp.created, c)
			fp.mu.Unlock()
			return c
		}})
	}
	return fp
}

func (fp *fakeProtocols) count() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.created)
}

// eventLog records monitor events.
type eventLog struct {
	mu     sync.Mutex
	events []monitor.Event
}

func (l *eventLog) Visit(_ monitor.Subject, ev monitor.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) last() monitor.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return monitor.Event{}
	}
	return l.events[len(l.events)-1]
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoInspect = false
	cfg.BorrowTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	return cfg
}

// newTestManager returns a manager with an isolated monitor, fake protocols
// and a fake clock. No observers sweep automatically.
func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeProtocols, *fakeClock, *eventLog) {
	t.Helper()
	fp := newFakeProtocols(t)
	events := &eventLog{}
	mon := monitor.New(events)
	m, err := New(cfg, WithRegistry(fp.registry), WithMonitor(mon), WithName("test-pool"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := newFakeClock()
	m.SetNowFunc(clock.Now)
	t.Cleanup(m.Shutdown)
	return m, fp, clock, events
}

var testTarget = protocol.Target{Host: "sftp.example.com", Port: 22, Username: "deploy", Password: "secret"}

func ownerCtx(owner string) context.Context {
	return WithOwner(context.Background(), Owner(owner))
}

func mustBorrow(t *testing.T, m *Manager, ctx context.Context, target protocol.Target, kind protocol.Kind) *fakeConn {
	t.Helper()
	conn, err := m.Borrow(ctx, target, kind)
	if err != nil {
		t.Fatalf("Borrow(%s, %s): %v", target, kind, err)
	}
	fc, ok := conn.(*fakeConn)
	if !ok {
		t.Fatalf("Borrow returned %T, want *fakeConn", conn)
	}
	return fc
}
