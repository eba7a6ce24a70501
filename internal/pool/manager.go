package pool

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/gluk-w/claworc/sessionpool/internal/monitor"
	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
)

var managerSeq atomic.Int64

type entry struct {
	id         string
	kind       protocol.Kind
	conn       protocol.Connection
	pending    bool
	borrowed   bool
	borrows    int
	createdAt  time.Time
	borrowedAt time.Time
	releasedAt time.Time
}

func (e *entry) state() EntryState {
	return EntryState{
		Borrowed:   e.borrowed,
		BorrowedAt: e.borrowedAt,
		ReleasedAt: e.releasedAt,
		Closed:     e.conn != nil && e.conn.IsClosed(),
	}
}

// victim is a connection removed from the table, awaiting disconnect.
type victim struct {
	key    protocol.TargetKey
	owner  Owner
	conn   protocol.Connection
	reason string
}

// Manager pools protocol connections per target and owner.
type Manager struct {
	name     string
	cfg      Config
	registry *protocol.Registry
	monitor  *monitor.Monitor
	logger   zerolog.Logger
	nowFn    func() time.Time

	// sem is the table lock. A weighted semaphore lets Borrow bound its wait.
	sem    *semaphore.Weighted
	table  map[protocol.TargetKey]map[Owner]*entry
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithName sets the name reported to observers.
func WithName(name string) Option {
	return func(m *Manager) { m.name = name }
}

// WithRegistry resolves protocol kinds through r instead of
// protocol.DefaultRegistry.
func WithRegistry(r *protocol.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithMonitor notifies mon instead of the process-wide monitor.
func WithMonitor(mon *monitor.Monitor) Option {
	return func(m *Manager) { m.monitor = mon }
}

// WithLogger sets the manager's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager. With cfg.AutoInspect set it is scheduled on its
// monitor every cfg.SweepPeriod until Shutdown.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}
	m := &Manager{
		cfg:    cfg,
		logger: log.With().Str("component", "pool").Logger(),
		nowFn:  time.Now,
		sem:    semaphore.NewWeighted(1),
		table:  make(map[protocol.TargetKey]map[Owner]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.name == "" {
		m.name = fmt.Sprintf("session-pool-%d", managerSeq.Add(1))
	}
	if m.registry == nil {
		m.registry = protocol.DefaultRegistry
	}
	if m.monitor == nil {
		m.monitor = monitor.Default()
	}
	m.logger = m.logger.With().Str("pool", m.name).Logger()

	if cfg.AutoInspect {
		m.monitor.Schedule(m, cfg.SweepPeriod)
	}
	return m, nil
}

// Name implements monitor.Subject.
func (m *Manager) Name() string { return m.name }

// Config returns the manager's configuration.
func (m *Manager) Config() Config { return m.cfg }

// Kinds lists the protocol kinds the manager can borrow.
func (m *Manager) Kinds() []protocol.Kind { return m.registry.Kinds() }

// SetNowFunc overrides the clock. Intended for tests; call it before the
// manager is used.
func (m *Manager) SetNowFunc(fn func() time.Time) {
	m.nowFn = fn
}

func (m *Manager) now() time.Time { return m.nowFn() }

// lock acquires the table lock, waiting at most cfg.BorrowTimeout. When ctx
// ends first its error is returned instead of ErrBorrowTimeout.
func (m *Manager) lock(ctx context.Context) error {
	waitCtx := ctx
	if m.cfg.BorrowTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.cfg.BorrowTimeout)
		defer cancel()
	}
	if err := m.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("waiting for table: %w", ctxErr)
		}
		return fmt.Errorf("%w after %s", ErrBorrowTimeout, m.cfg.BorrowTimeout)
	}
	return nil
}

func (m *Manager) lockNoTimeout() {
	// Acquire with a background context only fails if the weight exceeds
	// the semaphore size.
	_ = m.sem.Acquire(context.Background(), 1)
}

func (m *Manager) unlock() { m.sem.Release(1) }

// Attach appends an observer to the manager's monitor.
func (m *Manager) Attach(o monitor.Observer) {
	m.monitor.Attach(o)
}

// Borrow returns a connection of the given kind to target for the owner
// carried by ctx. A connection the owner released earlier is returned again
// if it is still valid.
func (m *Manager) Borrow(ctx context.Context, target protocol.Target, kind protocol.Kind) (protocol.Connection, error) {
	owner := OwnerFromContext(ctx)
	start := time.Now()
	conn, err := m.borrow(ctx, owner, target, kind)
	m.monitor.Notify(m, monitor.Event{
		Op:       monitor.OpBorrow,
		Target:   target.Key().String(),
		Owner:    string(owner),
		Kind:     string(kind),
		Result:   ResultOf(err),
		Err:      err,
		At:       m.now(),
		Duration: time.Since(start),
	})
	return conn, err
}

// reservation is the outcome of the locked half of a borrow: either a pooled
// connection handed back to the owner or a pending entry to connect.
type reservation struct {
	reused  protocol.Connection
	pending *entry
	stale   []victim
}

func (m *Manager) borrow(ctx context.Context, owner Owner, target protocol.Target, kind protocol.Kind) (protocol.Connection, error) {
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("borrow: %w", err)
	}
	def, err := m.registry.Lookup(kind)
	if err != nil {
		return nil, fmt.Errorf("borrow %s: %w", target, err)
	}
	kind = def.Kind
	key := target.Key()

	r, err := m.reserve(ctx, key, owner, kind)
	m.disconnectAll(r.stale)
	if err != nil {
		return nil, err
	}
	if r.reused != nil {
		return r.reused, nil
	}

	conn := def.New()
	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	start := time.Now()
	err = conn.Connect(connectCtx, target, m.cfg.ConnectTimeout)
	cancel()

	kept, closed := m.settle(key, owner, r.pending, conn, err)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("borrow: %w", &protocol.ConnectError{Target: key, Kind: kind, Err: err})
	}
	if !kept {
		m.disconnect(victim{key: key, owner: owner, conn: conn, reason: "aborted"})
		if closed {
			return nil, fmt.Errorf("borrow %s: %w", key, ErrManagerClosed)
		}
		return nil, fmt.Errorf("borrow %s: %w", key, ErrConnectAborted)
	}

	m.logger.Info().
		Str("target", key.String()).
		Str("owner", string(owner)).
		Str("kind", string(kind)).
		Str("entry", r.pending.id).
		Dur("connect_time", time.Since(start)).
		Msg("connection established")
	return conn, nil
}

// reserve hands back the owner's pooled connection or inserts a pending entry
// that holds a slot while the caller connects. Stale connections it drops are
// returned for disconnecting outside the lock, even alongside an error.
func (m *Manager) reserve(ctx context.Context, key protocol.TargetKey, owner Owner, kind protocol.Kind) (reservation, error) {
	var r reservation
	if err := m.lock(ctx); err != nil {
		return r, fmt.Errorf("borrow %s: %w", key, err)
	}
	defer m.unlock()

	if m.closed {
		return r, fmt.Errorf("borrow %s: %w", key, ErrManagerClosed)
	}
	owners := m.table[key]
	if owners == nil {
		owners = make(map[Owner]*entry)
		m.table[key] = owners
	}
	// Drop the target again if nothing ends up reserved, so a panic or an
	// early return never leaves an empty owner map behind.
	defer func() {
		if len(owners) == 0 {
			delete(m.table, key)
		}
	}()

	if e, ok := owners[owner]; ok {
		switch {
		case e.pending || e.borrowed:
			return r, fmt.Errorf("borrow %s for %s: %w", key, owner, ErrAlreadyBorrowed)
		case e.kind == kind && e.conn.IsValid():
			e.borrowed = true
			e.borrowedAt = m.now()
			e.borrows++
			m.logger.Debug().
				Str("target", key.String()).
				Str("owner", string(owner)).
				Str("entry", e.id).
				Msg("reusing pooled connection")
			r.reused = e.conn
			return r, nil
		default:
			reason := "invalid"
			if e.kind != kind {
				reason = "protocol changed"
			}
			delete(owners, owner)
			r.stale = append(r.stale, victim{key: key, owner: owner, conn: e.conn, reason: reason})
		}
	}

	// Released entries whose transport died do not hold capacity.
	for o, e := range owners {
		if !e.pending && !e.borrowed && e.conn.IsClosed() {
			delete(owners, o)
			r.stale = append(r.stale, victim{key: key, owner: o, conn: e.conn, reason: "dead"})
		}
	}

	if live := len(owners); live >= m.cfg.MaxConnectionsPerTarget {
		return r, fmt.Errorf("borrow %s: %d of %d connections in use: %w",
			key, live, m.cfg.MaxConnectionsPerTarget, ErrPoolExhausted)
	}

	r.pending = &entry{
		id:        uuid.NewString(),
		kind:      kind,
		pending:   true,
		createdAt: m.now(),
	}
	owners[owner] = r.pending
	return r, nil
}

// settle resolves a pending entry once Connect has returned. kept reports
// whether conn now backs the entry; closed reports a Shutdown during the
// connect.
func (m *Manager) settle(key protocol.TargetKey, owner Owner, e *entry, conn protocol.Connection, connectErr error) (kept, closed bool) {
	m.lockNoTimeout()
	defer m.unlock()

	current := m.table[key][owner]
	if connectErr != nil || current != e {
		if current == e {
			m.removeLocked(key, owner)
		}
		return false, m.closed
	}
	e.conn = conn
	e.pending = false
	e.borrowed = true
	e.borrows = 1
	e.borrowedAt = m.now()
	return true, false
}

// BorrowAs borrows a connection and asserts it implements T. On mismatch
// the connection is released and ErrUnsupportedProtocol returned.
func BorrowAs[T any](ctx context.Context, m *Manager, target protocol.Target, kind protocol.Kind) (T, error) {
	var zero T
	conn, err := m.Borrow(ctx, target, kind)
	if err != nil {
		return zero, err
	}
	typed, ok := conn.(T)
	if !ok {
		m.Release(ctx, target)
		return zero, fmt.Errorf("borrow %s: %T does not provide %T: %w", target, conn, (*T)(nil), protocol.ErrUnsupportedProtocol)
	}
	return typed, nil
}

// Release returns the owner's connection to target to the pool without
// disconnecting it. It is a no-op if the owner holds nothing.
func (m *Manager) Release(ctx context.Context, target protocol.Target) {
	owner := OwnerFromContext(ctx)
	key := target.Key()

	released, kind := m.markReleased(key, owner)
	if !released {
		m.notifyResult(monitor.OpRelease, key, owner, kind, ResultNoop, nil)
		return
	}
	m.notify(monitor.OpRelease, key, owner, kind, nil)
}

// Close removes the owner's connection to target and disconnects it. It is a
// no-op if the owner holds nothing.
func (m *Manager) Close(ctx context.Context, target protocol.Target) {
	owner := OwnerFromContext(ctx)
	key := target.Key()

	e, ok := m.take(key, owner)
	if !ok {
		m.notifyResult(monitor.OpClose, key, owner, "", ResultNoop, nil)
		return
	}
	if e.conn != nil {
		m.disconnect(victim{key: key, owner: owner, conn: e.conn, reason: "closed"})
	}
	m.notify(monitor.OpClose, key, owner, e.kind, nil)
}

func (m *Manager) markReleased(key protocol.TargetKey, owner Owner) (bool, protocol.Kind) {
	m.lockNoTimeout()
	defer m.unlock()

	e, ok := m.table[key][owner]
	if !ok || !e.borrowed {
		return false, ""
	}
	e.borrowed = false
	e.releasedAt = m.now()
	return true, e.kind
}

// take removes and returns the owner's entry for key.
func (m *Manager) take(key protocol.TargetKey, owner Owner) (*entry, bool) {
	m.lockNoTimeout()
	defer m.unlock()

	e, ok := m.table[key][owner]
	if ok {
		m.removeLocked(key, owner)
	}
	return e, ok
}

// removeLocked deletes the owner's entry and prunes empty targets. The table
// lock must be held.
func (m *Manager) removeLocked(key protocol.TargetKey, owner Owner) {
	owners := m.table[key]
	delete(owners, owner)
	if len(owners) == 0 {
		delete(m.table, key)
	}
}

// Sweep applies the sweep policy to every entry and disconnects what it
// removes.
func (m *Manager) Sweep() monitor.SweepResult {
	res, victims := m.sweepTable()
	m.disconnectAll(victims)
	return res
}

func (m *Manager) sweepTable() (res monitor.SweepResult, victims []victim) {
	m.lockNoTimeout()
	defer m.unlock()

	now := m.now()
	for key, owners := range m.table {
		live := len(owners)
		for owner, e := range owners {
			if e.pending {
				continue
			}
			switch Decide(e.state(), live, m.cfg, now) {
			case ActionRelease:
				e.borrowed = false
				e.releasedAt = now
				res.Released++
			case ActionClose:
				delete(owners, owner)
				victims = append(victims, victim{key: key, owner: owner, conn: e.conn, reason: "idle"})
				res.Closed++
			case ActionEvict:
				delete(owners, owner)
				victims = append(victims, victim{key: key, owner: owner, conn: e.conn, reason: "over capacity"})
				res.Evicted++
			}
		}
		if len(owners) == 0 {
			delete(m.table, key)
		}
	}
	return res, victims
}

// Snapshot returns a copy of every entry, ordered by target then owner.
func (m *Manager) Snapshot() []monitor.EntryView {
	views := m.entryViews()
	sort.Slice(views, func(i, j int) bool {
		if views[i].Target != views[j].Target {
			return views[i].Target < views[j].Target
		}
		return views[i].Owner < views[j].Owner
	})
	return views
}

func (m *Manager) entryViews() []monitor.EntryView {
	m.lockNoTimeout()
	defer m.unlock()

	views := make([]monitor.EntryView, 0, len(m.table))
	for key, owners := range m.table {
		for owner, e := range owners {
			views = append(views, monitor.EntryView{
				ID:         e.id,
				Target:     key.String(),
				Owner:      string(owner),
				Kind:       string(e.kind),
				Borrowed:   e.borrowed,
				Pending:    e.pending,
				Valid:      e.conn != nil && e.conn.IsValid(),
				Borrows:    e.borrows,
				CreatedAt:  e.createdAt,
				BorrowedAt: e.borrowedAt,
				ReleasedAt: e.releasedAt,
			})
		}
	}
	return views
}

// Inspect runs the monitor's observers on demand.
func (m *Manager) Inspect() {
	m.monitor.Notify(m, monitor.Event{Op: monitor.OpManual, Result: ResultOK, At: m.now()})
}

// Shutdown unschedules the manager, disconnects every pooled connection and
// makes later borrows fail with ErrManagerClosed. Connections still being
// established are disconnected when their Connect returns.
func (m *Manager) Shutdown() {
	m.monitor.Unschedule(m)

	victims, first := m.closeTable()
	if !first {
		return
	}
	m.disconnectAll(victims)
	m.logger.Info().Int("disconnected", len(victims)).Msg("pool shut down")
}

// closeTable marks the manager closed and empties the table. first is false
// if it was already closed.
func (m *Manager) closeTable() (victims []victim, first bool) {
	m.lockNoTimeout()
	defer m.unlock()

	if m.closed {
		return nil, false
	}
	m.closed = true
	for key, owners := range m.table {
		for owner, e := range owners {
			if e.conn != nil {
				victims = append(victims, victim{key: key, owner: owner, conn: e.conn, reason: "shutdown"})
			}
		}
	}
	m.table = make(map[protocol.TargetKey]map[Owner]*entry)
	return victims, true
}

func (m *Manager) disconnectAll(victims []victim) {
	for _, v := range victims {
		m.disconnect(v)
	}
}

func (m *Manager) disconnect(v victim) {
	if v.conn == nil {
		return
	}
	if err := v.conn.Disconnect(); err != nil {
		m.logger.Warn().
			Err(err).
			Str("target", v.key.String()).
			Str("owner", string(v.owner)).
			Str("reason", v.reason).
			Msg("disconnect failed")
		return
	}
	m.logger.Debug().
		Str("target", v.key.String()).
		Str("owner", string(v.owner)).
		Str("reason", v.reason).
		Msg("connection disconnected")
}

func (m *Manager) notify(op monitor.Op, key protocol.TargetKey, owner Owner, kind protocol.Kind, err error) {
	m.notifyResult(op, key, owner, kind, ResultOf(err), err)
}

func (m *Manager) notifyResult(op monitor.Op, key protocol.TargetKey, owner Owner, kind protocol.Kind, result string, err error) {
	m.monitor.Notify(m, monitor.Event{
		Op:     op,
		Target: key.String(),
		Owner:  string(owner),
		Kind:   string(kind),
		Result: result,
		Err:    err,
		At:     m.now(),
	})
}
