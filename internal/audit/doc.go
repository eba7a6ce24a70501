// Package audit records pool lifecycle events in SQLite.
//
// The Auditor is a monitor observer: every borrow, release, close and manual
// inspection is written as one row of pool_audit_logs. Scheduled sweeps are
// not recorded.
//
// # Retention
//
// PurgeOlderThan deletes rows older than the retention period.
// StartRetention runs it on a cron schedule (for example "@daily") until
// Stop is called.
//
// # Querying
//
// Query filters by pool, target, owner, operation, result and time range,
// newest first, with limit/offset pagination (default limit 50, maximum
// 1000).
package audit
