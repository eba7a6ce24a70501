// Package monitor drives inspection of connection pools.
//
// # Observers
//
// A Monitor holds an ordered list of Observers. Every pool operation
// (borrow, release, close) notifies the monitor synchronously on the calling
// goroutine, after the pool has dropped its table lock, and each observer is
// visited in attachment order. Observers may be appended at any time with
// Attach; there is no detach.
//
// # Scheduling
//
// Subjects registered with Schedule are visited periodically by a single
// background goroutine owned by the monitor. The goroutine sleeps until the
// earliest subject is due, fires it with an OpScheduled event and goes back
// to sleep. It is started on first Schedule and lives for the rest of the
// process.
//
// # Process-wide monitor
//
// Default returns a lazily created monitor with a LogObserver and an
// InspectObserver attached. Pools use it unless given their own.
package monitor
