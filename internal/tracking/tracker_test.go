package tracking

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ebay-forwarder/config"
)

func newTestLog(t *testing.T, opts Options) *RequestLog {
	t.Helper()
	adapter, err := NewDatabaseAdapter(DatabaseConfig{
		Type:         "sqlite",
		DatabasePath: filepath.Join(t.TempDir(), "requests.db"),
	})
	require.NoError(t, err)

	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour
	}
	rl, err := NewRequestLog(adapter, opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { rl.Close() })
	return rl
}

func record(id, outcome string, attempts int, at time.Time) RequestRecord {
	return RequestRecord{
		RequestID:    id,
		Method:       "GET",
		Host:         "api.ebay.com",
		Path:         "/sell/inventory/v1/inventory_item",
		StatusCode:   200,
		Outcome:      outcome,
		Attempts:     attempts,
		DurationMs:   int64(attempts) * 100,
		BreakerState: "CLOSED",
		CreatedAt:    at,
	}
}

func TestRequestLog_RecordAndQuery(t *testing.T) {
	rl := newTestLog(t, Options{BatchSize: 2})
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	rl.Record(record("req-1", "success", 1, base))
	rl.Record(record("req-2", "exhausted", 4, base.Add(time.Second)))
	rl.Record(record("req-3", "success", 3, base.Add(2*time.Second)))
	require.NoError(t, rl.Flush(context.Background()))

	records, err := rl.RecentRequests(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "req-3", records[0].RequestID)
	assert.Equal(t, "req-1", records[2].RequestID)
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), records[0].CreatedAt.UnixMilli())
	assert.Equal(t, "api.ebay.com", records[1].Host)
	assert.Equal(t, 4, records[1].Attempts)

	count, err := rl.CountRequests(context.Background(), &QueryOptions{Outcome: "success"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRequestLog_DuplicateIDIgnored(t *testing.T) {
	rl := newTestLog(t, Options{})
	now := time.Now()

	rl.Record(record("dup", "success", 1, now))
	rl.Record(record("dup", "exhausted", 4, now))
	require.NoError(t, rl.Flush(context.Background()))

	records, err := rl.RecentRequests(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "success", records[0].Outcome)
}

func TestRequestLog_Summary(t *testing.T) {
	rl := newTestLog(t, Options{})
	now := time.Now()

	rl.Record(record("a", "success", 1, now))
	rl.Record(record("b", "success", 3, now))
	rl.Record(record("c", "exhausted", 4, now))
	rl.Record(record("d", "circuit_open", 0, now))
	require.NoError(t, rl.Flush(context.Background()))

	summary, err := rl.Summary(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.TotalRequests)
	assert.Equal(t, int64(2), summary.Outcomes["success"])
	assert.Equal(t, int64(1), summary.Outcomes["circuit_open"])
	assert.Equal(t, int64(8), summary.TotalAttempts)
	assert.InDelta(t, 2.0, summary.AvgAttempts, 0.001)
	assert.InDelta(t, 50.0, summary.SuccessRate, 0.001)
	assert.Equal(t, int64(400), summary.MaxDurationMs)
}

func TestRequestLog_QueryFilters(t *testing.T) {
	rl := newTestLog(t, Options{})
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rl.Record(record(fmt.Sprintf("r%d", i), "success", 1, base.Add(time.Duration(i)*time.Hour)))
	}
	require.NoError(t, rl.Flush(context.Background()))

	start := base.Add(2 * time.Hour)
	records, err := rl.QueryRequests(context.Background(), &QueryOptions{StartTime: &start, Limit: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r4", records[0].RequestID)
	assert.Equal(t, "r3", records[1].RequestID)

	records, err = rl.QueryRequests(context.Background(), &QueryOptions{StartTime: &start, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r2", records[0].RequestID)
}

func TestRequestLog_CleanupRespectsRetention(t *testing.T) {
	rl := newTestLog(t, Options{RetentionDays: 7})
	now := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)

	rl.Record(record("old", "success", 1, now.AddDate(0, 0, -8)))
	rl.Record(record("new", "success", 1, now.AddDate(0, 0, -6)))
	require.NoError(t, rl.Flush(context.Background()))

	deleted, err := rl.Cleanup(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	records, err := rl.RecentRequests(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].RequestID)
}

func TestRequestLog_CloseFlushesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "close.db")
	adapter, err := NewSQLiteAdapter(DatabaseConfig{Type: "sqlite", DatabasePath: path})
	require.NoError(t, err)
	rl, err := NewRequestLog(adapter, Options{FlushInterval: time.Hour}, nil)
	require.NoError(t, err)

	rl.Record(record("pending", "success", 1, time.Now()))
	require.NoError(t, rl.Close())
	assert.ErrorIs(t, rl.Flush(context.Background()), ErrClosed)

	reopened, err := NewSQLiteAdapter(DatabaseConfig{Type: "sqlite", DatabasePath: path})
	require.NoError(t, err)
	rl2, err := NewRequestLog(reopened, Options{FlushInterval: time.Hour}, nil)
	require.NoError(t, err)
	defer rl2.Close()

	count, err := rl2.CountRequests(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRequestLog_NilIsDisabled(t *testing.T) {
	var rl *RequestLog
	rl.Record(record("x", "success", 1, time.Now()))
	assert.NoError(t, rl.Flush(context.Background()))
	assert.NoError(t, rl.HealthCheck(context.Background()))
	assert.NoError(t, rl.Close())

	disabled, err := NewRequestLogFromConfig(config.RequestLogConfig{Enabled: false}, "UTC", nil)
	require.NoError(t, err)
	assert.Nil(t, disabled)
}

func TestNewDatabaseAdapter(t *testing.T) {
	tests := []struct {
		name     string
		cfg      DatabaseConfig
		wantType string
		wantErr  bool
	}{
		{"default sqlite", DatabaseConfig{}, "sqlite", false},
		{"inferred mysql", DatabaseConfig{Host: "db", Database: "logs"}, "mysql", false},
		{"postgres alias", DatabaseConfig{Type: "postgresql", Host: "db", Database: "logs"}, "postgres", false},
		{"unknown", DatabaseConfig{Type: "oracle"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := NewDatabaseAdapter(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, adapter.GetDatabaseType())
		})
	}
}

func TestSQLDialects(t *testing.T) {
	pg, err := NewPostgresAdapter(DatabaseConfig{Type: "postgres", Host: "db", Database: "logs"})
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM t WHERE a = $1 AND b = '?' AND c = $2",
		pg.Rebind("DELETE FROM t WHERE a = ? AND b = '?' AND c = ?"))
	assert.Equal(t, "INSERT INTO t (request_id, x) VALUES ($1, $2) ON CONFLICT (request_id) DO NOTHING",
		pg.BuildInsertIgnoreQuery("t", []string{"request_id", "x"}))

	dsn, err := pg.buildDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "postgres://db:5432/logs")
	assert.Contains(t, dsn, "sslmode=disable")

	my, err := NewMySQLAdapter(DatabaseConfig{Type: "mysql", Host: "db", Database: "logs", Username: "u", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "INSERT IGNORE INTO t (a, b) VALUES (?, ?)", my.BuildInsertIgnoreQuery("t", []string{"a", "b"}))
	mdsn, err := my.buildDSN()
	require.NoError(t, err)
	assert.Contains(t, mdsn, "u:p@tcp(db:3306)/logs")

	_, err = (&MySQLAdapter{config: DatabaseConfig{Host: "db"}}).buildDSN()
	assert.Error(t, err)

	assert.Equal(t, "", buildLimitOffset(0, 5))
	assert.Equal(t, " LIMIT 10 OFFSET 20", buildLimitOffset(10, 20))
}
