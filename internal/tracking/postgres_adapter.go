package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresAdapter PostgreSQL数据库适配器实现（pgx stdlib 驱动）
type PostgresAdapter struct {
	config DatabaseConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresAdapter 创建PostgreSQL适配器实例
func NewPostgresAdapter(config DatabaseConfig) (*PostgresAdapter, error) {
	setDefaultConfig(&config)
	return &PostgresAdapter{
		config: config,
		logger: slog.Default(),
	}, nil
}

// Open 建立PostgreSQL数据库连接
func (p *PostgresAdapter) Open() error {
	dsn, err := p.buildDSN()
	if err != nil {
		return fmt.Errorf("failed to build DSN: %w", err)
	}

	p.logger.Info("正在连接PostgreSQL数据库",
		"host", p.config.Host,
		"database", p.config.Database,
		"sslmode", p.config.SSLMode)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	db.SetMaxOpenConns(p.config.MaxOpenConns)
	db.SetMaxIdleConns(p.config.MaxIdleConns)
	db.SetConnMaxLifetime(p.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(p.config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}

	p.db = db
	p.logger.Info("✅ PostgreSQL数据库连接成功",
		"max_open_conns", p.config.MaxOpenConns,
		"max_idle_conns", p.config.MaxIdleConns)
	return nil
}

// buildDSN 构建 postgres:// 连接URL
func (p *PostgresAdapter) buildDSN() (string, error) {
	if p.config.Host == "" {
		return "", fmt.Errorf("PostgreSQL host is required")
	}
	if p.config.Database == "" {
		return "", fmt.Errorf("PostgreSQL database name is required")
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   p.config.Host + ":" + strconv.Itoa(p.config.Port),
		Path:   "/" + p.config.Database,
	}
	if p.config.Username != "" {
		u.User = url.UserPassword(p.config.Username, p.config.Password)
	}
	q := url.Values{}
	q.Set("sslmode", p.config.SSLMode)
	q.Set("connect_timeout", "30")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Close 关闭数据库连接
func (p *PostgresAdapter) Close() error {
	if p.db != nil {
		p.logger.Info("正在关闭PostgreSQL数据库连接")
		return p.db.Close()
	}
	return nil
}

// Ping 测试数据库连接
func (p *PostgresAdapter) Ping(ctx context.Context) error {
	if p.db == nil {
		return fmt.Errorf("database not connected")
	}
	return p.db.PingContext(ctx)
}

// GetDB 获取数据库连接
func (p *PostgresAdapter) GetDB() *sql.DB {
	return p.db
}

// InitSchema 初始化PostgreSQL数据库Schema
func (p *PostgresAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.logger.Info("正在初始化PostgreSQL数据库Schema")
	if err := execStatements(ctx, p.db, postgresSchema); err != nil {
		return err
	}
	p.logger.Info("✅ PostgreSQL数据库Schema初始化完成")
	return nil
}

// Rebind 将 ? 占位符改写为 $n
func (p *PostgresAdapter) Rebind(query string) string {
	return rebindDollar(query)
}

// BuildInsertIgnoreQuery 构建插入查询（ON CONFLICT DO NOTHING）
func (p *PostgresAdapter) BuildInsertIgnoreQuery(table string, columns []string) string {
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (request_id) DO NOTHING",
		table, strings.Join(columns, ", "), questionPlaceholders(len(columns)))
	return rebindDollar(query)
}

// BuildLimitOffset 构建分页查询
func (p *PostgresAdapter) BuildLimitOffset(limit, offset int) string {
	return buildLimitOffset(limit, offset)
}

// VacuumDatabase PostgreSQL执行VACUUM
func (p *PostgresAdapter) VacuumDatabase(ctx context.Context) error {
	p.logger.Info("正在执行PostgreSQL VACUUM操作")
	if _, err := p.db.ExecContext(ctx, "VACUUM ANALYZE request_logs"); err != nil {
		return fmt.Errorf("failed to vacuum PostgreSQL table: %w", err)
	}
	return nil
}

// GetConnectionStats 获取连接池统计信息
func (p *PostgresAdapter) GetConnectionStats() ConnectionStats {
	return connectionStats(p.db, p.config.ConnMaxLifetime)
}

// GetDatabaseType 返回数据库类型标识
func (p *PostgresAdapter) GetDatabaseType() string {
	return "postgres"
}
