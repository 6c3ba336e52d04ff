package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ebay-forwarder/config"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("request log closed")

// RequestRecord 一次转发调用的摘要
type RequestRecord struct {
	RequestID    string    `json:"request_id"`
	Method       string    `json:"method"`
	Host         string    `json:"host"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	Outcome      string    `json:"outcome"`
	Attempts     int       `json:"attempts"`
	DurationMs   int64     `json:"duration_ms"`
	BreakerState string    `json:"breaker_state"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r RequestRecord) values() []any {
	return []any{
		r.RequestID, r.Method, r.Host, r.Path, r.StatusCode, r.Outcome,
		r.Attempts, r.DurationMs, r.BreakerState, r.ErrorCode, truncate(r.ErrorMessage, 1000),
		r.CreatedAt.UnixMilli(),
	}
}

// Options 请求日志运行参数
type Options struct {
	BufferSize      int
	BatchSize       int
	FlushInterval   time.Duration
	RetentionDays   int
	CleanupInterval time.Duration
	MaxRetry        int
	Location        *time.Location
}

// RequestLog 异步批量写入转发摘要的请求日志
// nil *RequestLog 可安全调用，表示未启用
type RequestLog struct {
	adapter DatabaseAdapter
	opts    Options
	logger  *slog.Logger

	queue   chan RequestRecord
	flushCh chan chan error
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
	written   atomic.Int64
}

// OptionsFrom 从配置构建运行参数
func OptionsFrom(cfg config.RequestLogConfig, timezone string) Options {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return Options{
		BufferSize:    cfg.BufferSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		RetentionDays: cfg.RetentionDays,
		Location:      loc,
	}
}

// NewRequestLogFromConfig 按配置创建请求日志；未启用时返回 (nil, nil)
func NewRequestLogFromConfig(cfg config.RequestLogConfig, timezone string, logger *slog.Logger) (*RequestLog, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	adapter, err := NewDatabaseAdapter(DatabaseConfigFrom(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to create database adapter: %w", err)
	}
	return NewRequestLog(adapter, OptionsFrom(cfg, timezone), logger)
}

// NewRequestLog 打开数据库、初始化Schema并启动后台写入与清理任务
func NewRequestLog(adapter DatabaseAdapter, opts Options, logger *slog.Logger) (*RequestLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 24 * time.Hour
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 3
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	if err := adapter.Open(); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := adapter.InitSchema(); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rl := &RequestLog{
		adapter: adapter,
		opts:    opts,
		logger:  logger,
		queue:   make(chan RequestRecord, opts.BufferSize),
		flushCh: make(chan chan error),
		ctx:     ctx,
		cancel:  cancel,
	}

	rl.wg.Add(2)
	go rl.processRecords()
	go rl.periodicCleanup()

	logger.Info("✅ 请求日志初始化完成",
		"database_type", adapter.GetDatabaseType(),
		"buffer_size", opts.BufferSize,
		"batch_size", opts.BatchSize,
		"retention_days", opts.RetentionDays)
	return rl, nil
}

// Record 异步写入一条记录；队列满时丢弃，不阻塞转发路径
func (rl *RequestLog) Record(rec RequestRecord) {
	if rl == nil || rl.closed.Load() {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	select {
	case rl.queue <- rec:
	default:
		if rl.dropped.Add(1)%100 == 1 {
			rl.logger.Warn("⚠️ 请求日志队列已满，丢弃记录",
				"request_id", rec.RequestID,
				"dropped_total", rl.dropped.Load())
		}
	}
}

// Flush 将已入队的记录全部写入数据库后返回
func (rl *RequestLog) Flush(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	if rl.closed.Load() {
		return ErrClosed
	}
	done := make(chan error, 1)
	select {
	case rl.flushCh <- done:
	case <-rl.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped 返回因队列满而丢弃的记录数
func (rl *RequestLog) Dropped() int64 {
	if rl == nil {
		return 0
	}
	return rl.dropped.Load()
}

// HealthCheck 检查数据库连接与队列负载
func (rl *RequestLog) HealthCheck(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	if rl.closed.Load() {
		return ErrClosed
	}
	if err := rl.adapter.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	load := float64(len(rl.queue)) / float64(cap(rl.queue)) * 100
	if load > 90 {
		return fmt.Errorf("request log queue overloaded: %.1f%% capacity used", load)
	}
	return nil
}

// ConnectionStats 返回连接池统计
func (rl *RequestLog) ConnectionStats() ConnectionStats {
	if rl == nil {
		return ConnectionStats{}
	}
	return rl.adapter.GetConnectionStats()
}

// Close 停止后台任务，写完剩余记录后关闭数据库
func (rl *RequestLog) Close() error {
	if rl == nil {
		return nil
	}
	var err error
	rl.closeOnce.Do(func() {
		rl.closed.Store(true)
		rl.cancel()
		rl.wg.Wait()
		err = rl.adapter.Close()
		rl.logger.Info("请求日志已关闭", "written", rl.written.Load(), "dropped", rl.dropped.Load())
	})
	return err
}

// processRecords 后台批量写入循环
func (rl *RequestLog) processRecords() {
	defer rl.wg.Done()

	ticker := time.NewTicker(rl.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]RequestRecord, 0, rl.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := rl.flushBatch(batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case rec := <-rl.queue:
			batch = append(batch, rec)
			if len(batch) >= rl.opts.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case done := <-rl.flushCh:
			batch = rl.drain(batch)
			done <- flush()

		case <-rl.ctx.Done():
			// 优雅关闭，处理剩余记录
			batch = rl.drain(batch)
			flush()
			return
		}
	}
}

// drain 取出队列中已有的记录，按批次写入
func (rl *RequestLog) drain(batch []RequestRecord) []RequestRecord {
	for {
		select {
		case rec := <-rl.queue:
			batch = append(batch, rec)
			if len(batch) >= rl.opts.BatchSize {
				rl.flushBatch(batch)
				batch = batch[:0]
			}
		default:
			return batch
		}
	}
}

// flushBatch 批量写入，失败时按次数退避重试
func (rl *RequestLog) flushBatch(records []RequestRecord) error {
	var err error
	for retry := 0; retry < rl.opts.MaxRetry; retry++ {
		if err = rl.insertBatch(records); err == nil {
			rl.written.Add(int64(len(records)))
			if retry > 0 {
				rl.logger.Info("请求日志批次重试后写入成功", "retry_count", retry, "batch_size", len(records))
			}
			return nil
		}
		if !isTransientDBError(err) {
			break
		}
		rl.logger.Warn("请求日志批次写入失败，准备重试",
			"error", err,
			"retry", retry+1,
			"max_retry", rl.opts.MaxRetry,
			"batch_size", len(records))
		time.Sleep(time.Duration(retry+1) * 200 * time.Millisecond)
	}
	rl.logger.Error("❌ 请求日志批次写入失败", "error", err, "batch_size", len(records))
	return err
}

func (rl *RequestLog) insertBatch(records []RequestRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := rl.adapter.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, rl.adapter.BuildInsertIgnoreQuery("request_logs", requestLogColumns))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.values()...); err != nil {
			return fmt.Errorf("failed to insert request %s: %w", rec.RequestID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// periodicCleanup 定期清理过期记录
func (rl *RequestLog) periodicCleanup() {
	defer rl.wg.Done()
	if rl.opts.RetentionDays <= 0 {
		return
	}

	ticker := time.NewTicker(rl.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := rl.Cleanup(rl.ctx, time.Now()); err != nil {
				rl.logger.Error("清理过期请求日志失败", "error", err)
			}
		case <-rl.ctx.Done():
			return
		}
	}
}

// Cleanup 删除早于保留期的记录，返回删除行数
func (rl *RequestLog) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	if rl == nil || rl.opts.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := now.AddDate(0, 0, -rl.opts.RetentionDays)
	query := rl.adapter.Rebind("DELETE FROM request_logs WHERE created_at < ?")
	res, err := rl.adapter.GetDB().ExecContext(ctx, query, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old request logs: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		rl.logger.Info("🧹 已清理过期请求日志",
			"deleted_count", deleted,
			"cutoff_date", cutoff.In(rl.opts.Location).Format("2006-01-02"),
			"retention_days", rl.opts.RetentionDays)
		if err := rl.adapter.VacuumDatabase(ctx); err != nil {
			rl.logger.Warn("清理后回收空间失败", "error", err)
		}
	}
	return deleted, nil
}

// isTransientDBError 锁冲突与连接抖动值得重试
func isTransientDBError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is locked", "sqlite_busy", "sqlite_locked", "deadlock", "connection", "broken pipe", "bad connection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
