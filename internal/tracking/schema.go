package tracking

// request_logs 表：每次转发调用一行，created_at 为 Unix 毫秒

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS request_logs (
		request_id    TEXT PRIMARY KEY,
		method        TEXT NOT NULL DEFAULT '',
		host          TEXT NOT NULL DEFAULT '',
		path          TEXT NOT NULL DEFAULT '',
		status_code   INTEGER NOT NULL DEFAULT 0,
		outcome       TEXT NOT NULL DEFAULT '',
		attempts      INTEGER NOT NULL DEFAULT 0,
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		breaker_state TEXT NOT NULL DEFAULT '',
		error_code    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_outcome ON request_logs (outcome)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS request_logs (
		request_id    VARCHAR(64) NOT NULL PRIMARY KEY,
		method        VARCHAR(10) NOT NULL DEFAULT '',
		host          VARCHAR(255) NOT NULL DEFAULT '',
		path          TEXT NOT NULL,
		status_code   INT NOT NULL DEFAULT 0,
		outcome       VARCHAR(32) NOT NULL DEFAULT '',
		attempts      INT NOT NULL DEFAULT 0,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		breaker_state VARCHAR(16) NOT NULL DEFAULT '',
		error_code    VARCHAR(32) NOT NULL DEFAULT '',
		error_message TEXT NOT NULL,
		created_at    BIGINT NOT NULL,
		INDEX idx_request_logs_created_at (created_at),
		INDEX idx_request_logs_outcome (outcome)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS request_logs (
		request_id    VARCHAR(64) PRIMARY KEY,
		method        VARCHAR(10) NOT NULL DEFAULT '',
		host          VARCHAR(255) NOT NULL DEFAULT '',
		path          TEXT NOT NULL DEFAULT '',
		status_code   INTEGER NOT NULL DEFAULT 0,
		outcome       VARCHAR(32) NOT NULL DEFAULT '',
		attempts      INTEGER NOT NULL DEFAULT 0,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		breaker_state VARCHAR(16) NOT NULL DEFAULT '',
		error_code    VARCHAR(32) NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at    BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_outcome ON request_logs (outcome)`,
}

// requestLogColumns 插入顺序与 RequestRecord.values 保持一致
var requestLogColumns = []string{
	"request_id", "method", "host", "path", "status_code", "outcome",
	"attempts", "duration_ms", "breaker_state", "error_code", "error_message", "created_at",
}
