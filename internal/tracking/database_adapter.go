package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ebay-forwarder/config"
)

// DatabaseAdapter 定义数据库操作接口
// 抽象SQLite、MySQL和PostgreSQL的差异，让上层代码无需关心具体实现
type DatabaseAdapter interface {
	// 基础连接管理
	Open() error
	Close() error
	Ping(ctx context.Context) error

	GetDB() *sql.DB

	// 数据库初始化
	InitSchema() error

	// SQL语法适配
	Rebind(query string) string
	BuildInsertIgnoreQuery(table string, columns []string) string
	BuildLimitOffset(limit, offset int) string

	// 数据库特定操作
	VacuumDatabase(ctx context.Context) error

	// 连接统计
	GetConnectionStats() ConnectionStats

	// 类型标识
	GetDatabaseType() string
}

// DatabaseConfig 统一数据库配置结构
type DatabaseConfig struct {
	Type string // "sqlite" | "mysql" | "postgres"

	// SQLite配置
	DatabasePath string

	// MySQL / PostgreSQL 配置
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string

	// 连接池配置
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// MySQL特定配置
	Charset string
}

// ConnectionStats 连接池统计信息
type ConnectionStats struct {
	OpenConnections  int           `json:"open_connections"`
	IdleConnections  int           `json:"idle_connections"`
	InUseConnections int           `json:"in_use_connections"`
	WaitCount        int64         `json:"wait_count"`
	WaitDuration     time.Duration `json:"wait_duration"`
	MaxLifetime      time.Duration `json:"max_lifetime"`
}

// DatabaseConfigFrom 从配置文件中的数据库后端配置构建 DatabaseConfig
func DatabaseConfigFrom(c config.DatabaseBackendConfig) DatabaseConfig {
	return DatabaseConfig{
		Type:            strings.ToLower(strings.TrimSpace(c.Type)),
		DatabasePath:    c.Path,
		Host:            c.Host,
		Port:            c.Port,
		Database:        c.Database,
		Username:        c.Username,
		Password:        c.Password,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// NewDatabaseAdapter 数据库适配器工厂函数
func NewDatabaseAdapter(config DatabaseConfig) (DatabaseAdapter, error) {
	config.Type = getDatabaseType(config)

	switch config.Type {
	case "sqlite":
		return NewSQLiteAdapter(config)
	case "mysql":
		return NewMySQLAdapter(config)
	case "postgres", "postgresql":
		config.Type = "postgres"
		return NewPostgresAdapter(config)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}

// getDatabaseType 从配置推断数据库类型
func getDatabaseType(config DatabaseConfig) string {
	if config.Type != "" {
		return config.Type
	}
	if config.Host != "" || config.Database != "" {
		return "mysql"
	}
	return "sqlite"
}

// setDefaultConfig 设置数据库配置默认值
func setDefaultConfig(config *DatabaseConfig) {
	switch config.Type {
	case "mysql", "postgres":
		if config.Port == 0 {
			if config.Type == "mysql" {
				config.Port = 3306
			} else {
				config.Port = 5432
			}
		}
		if config.MaxOpenConns == 0 {
			config.MaxOpenConns = 10
		}
		if config.MaxIdleConns == 0 {
			config.MaxIdleConns = 5
		}
		if config.ConnMaxLifetime == 0 {
			config.ConnMaxLifetime = time.Hour
		}
		if config.ConnMaxIdleTime == 0 {
			config.ConnMaxIdleTime = 10 * time.Minute
		}
		if config.Type == "mysql" && config.Charset == "" {
			config.Charset = "utf8mb4"
		}
		if config.Type == "postgres" && config.SSLMode == "" {
			config.SSLMode = "disable"
		}
	case "sqlite", "":
		if config.DatabasePath == "" {
			config.DatabasePath = "data/requests.db"
		}
	}
}

// questionPlaceholders 生成 "?, ?, ?" 形式的占位符
func questionPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rebindDollar 将 ? 占位符改写为 $1, $2 ...（PostgreSQL）
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			inQuote = !inQuote
		}
		if ch == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func buildLimitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset <= 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func connectionStats(db *sql.DB, maxLifetime time.Duration) ConnectionStats {
	if db == nil {
		return ConnectionStats{}
	}
	s := db.Stats()
	return ConnectionStats{
		OpenConnections:  s.OpenConnections,
		IdleConnections:  s.Idle,
		InUseConnections: s.InUse,
		WaitCount:        s.WaitCount,
		WaitDuration:     s.WaitDuration,
		MaxLifetime:      maxLifetime,
	}
}

// execStatements 逐条执行建表语句
func execStatements(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
