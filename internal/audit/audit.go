package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/claworc/sessionpool/internal/logging"
	"github.com/gluk-w/claworc/sessionpool/internal/monitor"
)

// DefaultRetentionDays is used when no retention period is configured.
const DefaultRetentionDays = 30

// Record is one audited pool event.
type Record struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Pool       string    `gorm:"index;size:128" json:"pool"`
	Op         string    `gorm:"index;size:32" json:"op"`
	Target     string    `gorm:"index;size:512" json:"target"`
	Owner      string    `gorm:"index;size:256" json:"owner"`
	Kind       string    `gorm:"size:32" json:"kind"`
	Result     string    `gorm:"size:32" json:"result"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (Record) TableName() string { return "pool_audit_logs" }

// Open opens (creating if needed) the SQLite database at path in WAL mode
// and migrates the audit schema.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

// Auditor writes and queries audit records.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
	logger        zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewAuditor returns an Auditor writing to db. The schema must already be
// migrated (see Open). A non-positive retentionDays selects
// DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		logger:        log.With().Str("component", "audit").Logger(),
	}
}

// Visit implements monitor.Observer.
func (a *Auditor) Visit(s monitor.Subject, ev monitor.Event) {
	if ev.Op == monitor.OpScheduled {
		return
	}
	rec := Record{
		Pool:       s.Name(),
		Op:         string(ev.Op),
		Target:     ev.Target,
		Owner:      ev.Owner,
		Kind:       ev.Kind,
		Result:     ev.Result,
		DurationMs: ev.Duration.Milliseconds(),
		CreatedAt:  ev.At,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	// Failures are logged by Log; an observer has nowhere to return them.
	_ = a.Log(rec)
}

// Log stores rec. A zero CreatedAt is set to the current time.
func (a *Auditor) Log(rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.nowFn()
	}
	if err := a.db.Create(&rec).Error; err != nil {
		a.logger.Error().Err(err).Msg("failed to write audit record")
		return err
	}
	a.logger.Debug().
		Str("op", rec.Op).
		Str("target", logging.SanitizeForLog(rec.Target)).
		Str("owner", logging.SanitizeForLog(rec.Owner)).
		Str("result", rec.Result).
		Msg("audit")
	return nil
}

// QueryOptions filters Query.
type QueryOptions struct {
	Pool   string
	Target string
	Owner  string
	Op     string
	Result string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// QueryResult is one page of records.
type QueryResult struct {
	Entries []Record `json:"entries"`
	Total   int64    `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Query returns records matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&Record{})
	if opts.Pool != "" {
		tx = tx.Where("pool = ?", opts.Pool)
	}
	if opts.Target != "" {
		tx = tx.Where("target = ?", opts.Target)
	}
	if opts.Owner != "" {
		tx = tx.Where("owner = ?", opts.Owner)
	}
	if opts.Op != "" {
		tx = tx.Where("op = ?", opts.Op)
	}
	if opts.Result != "" {
		tx = tx.Where("result = ?", opts.Result)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit records: %w", err)
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []Record
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes records older than days. A non-positive days uses
// the configured retention period.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&Record{})
	if result.Error != nil {
		a.logger.Error().Err(result.Error).Msg("audit purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.logger.Info().Int64("deleted", result.RowsAffected).Int("days", days).Msg("purged audit records")
	}
	return result.RowsAffected, nil
}

// StartRetention purges expired records on the given cron schedule. Calling
// it again replaces the previous schedule.
func (a *Auditor) StartRetention(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		// Errors are logged by PurgeOlderThan.
		_, _ = a.PurgeOlderThan(0)
	}); err != nil {
		return fmt.Errorf("schedule audit purge %q: %w", spec, err)
	}

	a.mu.Lock()
	prev := a.cron
	a.cron = c
	a.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	c.Start()
	a.logger.Info().Str("schedule", spec).Int("retention_days", a.retentionDays).Msg("audit retention scheduled")
	return nil
}

// Stop cancels the retention schedule and waits for a running purge.
func (a *Auditor) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int { return a.retentionDays }

// SetNowFunc overrides the clock. Intended for tests.
func (a *Auditor) SetNowFunc(fn func() time.Time) { a.nowFn = fn }
