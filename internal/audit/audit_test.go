package audit

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/claworc/sessionpool/internal/monitor"
)

type namedSubject string

func (s namedSubject) Name() string                  { return string(s) }
func (s namedSubject) Sweep() monitor.SweepResult    { return monitor.SweepResult{} }
func (s namedSubject) Snapshot() []monitor.EntryView { return nil }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Record{}))
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	db, err := Open(path)
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&Record{}))
	assert.FileExists(t, path)
}

func TestVisitRecordsEvents(t *testing.T) {
	a := NewAuditor(setupTestDB(t), 0)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := namedSubject("pool-a")

	a.Visit(s, monitor.Event{Op: monitor.OpBorrow, Target: "u@h:22", Owner: "w1", Kind: "sftp", Result: "ok", At: at, Duration: 15 * time.Millisecond})
	a.Visit(s, monitor.Event{Op: monitor.OpBorrow, Target: "u@h:22", Owner: "w2", Kind: "sftp", Result: "exhausted", Err: errors.New("pool exhausted"), At: at.Add(time.Second)})
	a.Visit(s, monitor.Event{Op: monitor.OpScheduled, At: at.Add(2 * time.Second)})

	res, err := a.Query(QueryOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, res.Total)
	assert.Equal(t, "w2", res.Entries[0].Owner)
	assert.Equal(t, "pool exhausted", res.Entries[0].Error)
	assert.Equal(t, "w1", res.Entries[1].Owner)
	assert.EqualValues(t, 15, res.Entries[1].DurationMs)
	assert.Equal(t, "pool-a", res.Entries[1].Pool)
	assert.Empty(t, res.Entries[1].Error)
}

func TestQueryFilters(t *testing.T) {
	a := NewAuditor(setupTestDB(t), 0)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		{Pool: "p", Op: "borrow", Target: "a", Owner: "x", Result: "ok", CreatedAt: base},
		{Pool: "p", Op: "release", Target: "a", Owner: "x", Result: "ok", CreatedAt: base.Add(time.Hour)},
		{Pool: "p", Op: "borrow", Target: "b", Owner: "y", Result: "exhausted", CreatedAt: base.Add(2 * time.Hour)},
		{Pool: "q", Op: "close", Target: "b", Owner: "y", Result: "noop", CreatedAt: base.Add(3 * time.Hour)},
	}
	for _, r := range records {
		require.NoError(t, a.Log(r))
	}

	tests := []struct {
		name string
		opts QueryOptions
		want int64
	}{
		{"all", QueryOptions{}, 4},
		{"pool", QueryOptions{Pool: "p"}, 3},
		{"target", QueryOptions{Target: "b"}, 2},
		{"owner", QueryOptions{Owner: "x"}, 2},
		{"op", QueryOptions{Op: "borrow"}, 2},
		{"result", QueryOptions{Result: "exhausted"}, 1},
		{"since", QueryOptions{Since: timePtr(base.Add(90 * time.Minute))}, 2},
		{"until", QueryOptions{Until: timePtr(base.Add(time.Hour))}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Query(tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Total)
			assert.Len(t, res.Entries, int(tt.want))
		})
	}
}

func TestQueryPagination(t *testing.T) {
	a := NewAuditor(setupTestDB(t), 0)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Log(Record{Op: "borrow", Owner: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	res, err := a.Query(QueryOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.Total)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "d", res.Entries[0].Owner)
	assert.Equal(t, "c", res.Entries[1].Owner)

	res, err = a.Query(QueryOptions{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 1000, res.Limit)
}

func TestPurgeOlderThan(t *testing.T) {
	a := NewAuditor(setupTestDB(t), 7)
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	a.SetNowFunc(func() time.Time { return now })

	require.NoError(t, a.Log(Record{Op: "borrow", CreatedAt: now.AddDate(0, 0, -10)}))
	require.NoError(t, a.Log(Record{Op: "borrow", CreatedAt: now.AddDate(0, 0, -8)}))
	require.NoError(t, a.Log(Record{Op: "borrow", CreatedAt: now.AddDate(0, 0, -1)}))
	require.NoError(t, a.Log(Record{Op: "release"}))

	deleted, err := a.PurgeOlderThan(0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	deleted, err = a.PurgeOlderThan(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, deleted)

	res, err := a.Query(QueryOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Total)
	assert.Equal(t, 7, a.RetentionDays())
}

func TestStartRetention(t *testing.T) {
	a := NewAuditor(setupTestDB(t), 0)
	assert.Equal(t, DefaultRetentionDays, a.RetentionDays())

	require.Error(t, a.StartRetention("not a schedule"))
	require.NoError(t, a.StartRetention("@daily"))
	require.NoError(t, a.StartRetention("@every 1h"))
	a.Stop()
	a.Stop()
}

func TestAuditorAsMonitorObserver(t *testing.T) {
	a := NewAuditor(setupTestDB(t), 0)
	m := monitor.New(a)

	m.Notify(namedSubject("p"), monitor.Event{Op: monitor.OpClose, Target: "u@h:22", Owner: "w", Result: "ok"})

	res, err := a.Query(QueryOptions{Op: "close"})
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Total)
	assert.False(t, res.Entries[0].CreatedAt.IsZero())
}

func timePtr(t time.Time) *time.Time { return &t }
