package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLAdapter MySQL数据库适配器实现
type MySQLAdapter struct {
	config DatabaseConfig
	db     *sql.DB
	logger *slog.Logger
}

// NewMySQLAdapter 创建MySQL适配器实例
func NewMySQLAdapter(config DatabaseConfig) (*MySQLAdapter, error) {
	setDefaultConfig(&config)
	return &MySQLAdapter{
		config: config,
		logger: slog.Default(),
	}, nil
}

// Open 建立MySQL数据库连接
func (m *MySQLAdapter) Open() error {
	dsn, err := m.buildDSN()
	if err != nil {
		return fmt.Errorf("failed to build DSN: %w", err)
	}

	m.logger.Info("正在连接MySQL数据库",
		"host", m.config.Host,
		"database", m.config.Database,
		"charset", m.config.Charset)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(m.config.MaxOpenConns)
	db.SetMaxIdleConns(m.config.MaxIdleConns)
	db.SetConnMaxLifetime(m.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(m.config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	m.db = db
	m.logger.Info("✅ MySQL数据库连接成功",
		"max_open_conns", m.config.MaxOpenConns,
		"max_idle_conns", m.config.MaxIdleConns)
	return nil
}

// buildDSN 构建MySQL连接字符串
func (m *MySQLAdapter) buildDSN() (string, error) {
	if m.config.Host == "" {
		return "", fmt.Errorf("MySQL host is required")
	}
	if m.config.Database == "" {
		return "", fmt.Errorf("MySQL database name is required")
	}
	if m.config.Username == "" {
		return "", fmt.Errorf("MySQL username is required")
	}

	cfg := mysql.NewConfig()
	cfg.User = m.config.Username
	cfg.Passwd = m.config.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
	cfg.DBName = m.config.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Timeout = 30 * time.Second
	cfg.ReadTimeout = 30 * time.Second
	cfg.WriteTimeout = 30 * time.Second
	cfg.Params = map[string]string{"charset": m.config.Charset}
	return cfg.FormatDSN(), nil
}

// Close 关闭数据库连接
func (m *MySQLAdapter) Close() error {
	if m.db != nil {
		m.logger.Info("正在关闭MySQL数据库连接")
		return m.db.Close()
	}
	return nil
}

// Ping 测试数据库连接
func (m *MySQLAdapter) Ping(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("database not connected")
	}
	return m.db.PingContext(ctx)
}

// GetDB 获取数据库连接
func (m *MySQLAdapter) GetDB() *sql.DB {
	return m.db
}

// InitSchema 初始化MySQL数据库Schema
func (m *MySQLAdapter) InitSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m.logger.Info("正在初始化MySQL数据库Schema")
	if err := execStatements(ctx, m.db, mysqlSchema); err != nil {
		return err
	}
	m.logger.Info("✅ MySQL数据库Schema初始化完成")
	return nil
}

// Rebind MySQL 使用 ? 占位符
func (m *MySQLAdapter) Rebind(query string) string {
	return query
}

// BuildInsertIgnoreQuery 构建插入查询（MySQL语法）
func (m *MySQLAdapter) BuildInsertIgnoreQuery(table string, columns []string) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), questionPlaceholders(len(columns)))
}

// BuildLimitOffset 构建分页查询
func (m *MySQLAdapter) BuildLimitOffset(limit, offset int) string {
	return buildLimitOffset(limit, offset)
}

// VacuumDatabase MySQL执行表优化
func (m *MySQLAdapter) VacuumDatabase(ctx context.Context) error {
	m.logger.Info("正在执行MySQL表优化")
	if _, err := m.db.ExecContext(ctx, "OPTIMIZE TABLE request_logs"); err != nil {
		return fmt.Errorf("failed to optimize MySQL table: %w", err)
	}
	return nil
}

// GetConnectionStats 获取连接池统计信息
func (m *MySQLAdapter) GetConnectionStats() ConnectionStats {
	return connectionStats(m.db, m.config.ConnMaxLifetime)
}

// GetDatabaseType 返回数据库类型标识
func (m *MySQLAdapter) GetDatabaseType() string {
	return "mysql"
}
