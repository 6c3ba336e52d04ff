package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QueryOptions represents options for querying request logs
type QueryOptions struct {
	StartTime *time.Time
	EndTime   *time.Time
	Outcome   string
	Host      string
	Limit     int
	Offset    int
}

// RequestSummary represents aggregated request statistics
type RequestSummary struct {
	TotalRequests int64            `json:"total_requests"`
	Outcomes      map[string]int64 `json:"outcomes"`
	TotalAttempts int64            `json:"total_attempts"`
	AvgAttempts   float64          `json:"avg_attempts"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	MaxDurationMs int64            `json:"max_duration_ms"`
	SuccessRate   float64          `json:"success_rate"`
}

// whereClause builds the filter part shared by the request queries.
func (o *QueryOptions) whereClause() (string, []any) {
	var conds []string
	var args []any
	if o == nil {
		return "", nil
	}
	if o.StartTime != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, o.StartTime.UnixMilli())
	}
	if o.EndTime != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, o.EndTime.UnixMilli())
	}
	if o.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, o.Outcome)
	}
	if o.Host != "" {
		conds = append(conds, "host = ?")
		args = append(args, o.Host)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryRequests returns request records, newest first.
func (rl *RequestLog) QueryRequests(ctx context.Context, opts *QueryOptions) ([]RequestRecord, error) {
	if rl == nil {
		return nil, fmt.Errorf("request log not enabled")
	}

	where, args := opts.whereClause()
	limit, offset := 100, 0
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		offset = opts.Offset
	}

	query := "SELECT " + strings.Join(requestLogColumns, ", ") + " FROM request_logs" + where +
		" ORDER BY created_at DESC" + rl.adapter.BuildLimitOffset(limit, offset)

	rows, err := rl.adapter.GetDB().QueryContext(ctx, rl.adapter.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query request logs: %w", err)
	}
	defer rows.Close()

	var records []RequestRecord
	for rows.Next() {
		var r RequestRecord
		var createdAt int64
		if err := rows.Scan(&r.RequestID, &r.Method, &r.Host, &r.Path, &r.StatusCode, &r.Outcome,
			&r.Attempts, &r.DurationMs, &r.BreakerState, &r.ErrorCode, &r.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt).In(rl.opts.Location)
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecentRequests returns the latest limit records.
func (rl *RequestLog) RecentRequests(ctx context.Context, limit int) ([]RequestRecord, error) {
	return rl.QueryRequests(ctx, &QueryOptions{Limit: limit})
}

// CountRequests counts records matching opts.
func (rl *RequestLog) CountRequests(ctx context.Context, opts *QueryOptions) (int64, error) {
	if rl == nil {
		return 0, fmt.Errorf("request log not enabled")
	}
	where, args := opts.whereClause()
	var count int64
	err := rl.adapter.GetDB().QueryRowContext(ctx, rl.adapter.Rebind("SELECT COUNT(*) FROM request_logs"+where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count request logs: %w", err)
	}
	return count, nil
}

// Summary aggregates records matching opts.
func (rl *RequestLog) Summary(ctx context.Context, opts *QueryOptions) (*RequestSummary, error) {
	if rl == nil {
		return nil, fmt.Errorf("request log not enabled")
	}
	where, args := opts.whereClause()
	query := "SELECT outcome, COUNT(*), COALESCE(SUM(attempts), 0), COALESCE(SUM(duration_ms), 0), COALESCE(MAX(duration_ms), 0)" +
		" FROM request_logs" + where + " GROUP BY outcome"

	rows, err := rl.adapter.GetDB().QueryContext(ctx, rl.adapter.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize request logs: %w", err)
	}
	defer rows.Close()

	summary := &RequestSummary{Outcomes: make(map[string]int64)}
	var totalDuration int64
	for rows.Next() {
		var outcome string
		var count, attempts, duration, maxDuration int64
		if err := rows.Scan(&outcome, &count, &attempts, &duration, &maxDuration); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summary.Outcomes[outcome] = count
		summary.TotalRequests += count
		summary.TotalAttempts += attempts
		totalDuration += duration
		if maxDuration > summary.MaxDurationMs {
			summary.MaxDurationMs = maxDuration
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if summary.TotalRequests > 0 {
		n := float64(summary.TotalRequests)
		summary.AvgAttempts = float64(summary.TotalAttempts) / n
		summary.AvgDurationMs = float64(totalDuration) / n
		summary.SuccessRate = float64(summary.Outcomes["success"]) / n * 100
	}
	return summary, nil
}
