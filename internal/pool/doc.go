// Package pool hands out pooled protocol connections to concurrent owners.
//
// # Ownership
//
// The pool keeps a table keyed by target identity and, under each target, by
// owner. An owner is an arbitrary caller-chosen name carried on the context
// (see WithOwner); contexts without one map to DefaultOwner. An owner holds
// at most one connection per target, and a connection is never handed to two
// owners at once.
//
// # Lifecycle
//
// Borrow creates or reuses the owner's connection and marks it borrowed.
// Release returns it to the pool without disconnecting it, so the next
// Borrow by the same owner gets the same instance back. Close removes and
// disconnects it.
//
// # Sweeping
//
// Sweep reclaims connections: entries borrowed longer than ReuseTimeout are
// force-released, entries idle longer than CloseTimeout are closed, and when
// a target holds more than MaxConnectionsPerTarget entries every idle one is
// evicted. A Manager with AutoInspect set is swept every SweepPeriod by its
// monitor; every Borrow, Release and Close also notifies the monitor, whose
// inspect observer sweeps again.
//
// Connection establishment and disconnects always happen outside the table
// lock.
package pool
