package sqlstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// dialect holds what differs between the supported databases. Queries use
// "?" placeholders and integer timestamps, so only DDL and connection setup
// vary.
type dialect struct {
	schema  []string
	prepare func(dsn string) (string, error)
	tune    func(db *sql.DB) error
}

var dialects = map[string]dialect{
	DriverSQLite: {
		schema:  sqliteSchema,
		prepare: prepareSQLite,
		tune:    tuneSQLite,
	},
	DriverMySQL: {
		schema:  mysqlSchema,
		prepare: prepareMySQL,
		tune:    tuneMySQL,
	},
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    url              TEXT NOT NULL,
    source           TEXT NOT NULL,
    video_id         TEXT NOT NULL DEFAULT '',
    title            TEXT NOT NULL DEFAULT '',
    variant          TEXT NOT NULL,
    not_before       INTEGER NOT NULL,
    state            TEXT NOT NULL DEFAULT 'pending',
    attempts         INTEGER NOT NULL DEFAULT 0,
    error            TEXT NOT NULL DEFAULT '',
    failure_kind     TEXT NOT NULL DEFAULT '',
    claim_token      TEXT NOT NULL DEFAULT '',
    lease_expires_at INTEGER,
    handle_id        TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    completed_at     INTEGER
)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(state, not_before)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(state, lease_expires_at)`,
	`CREATE TABLE IF NOT EXISTS downloads (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id        INTEGER NOT NULL,
    video_id      TEXT NOT NULL,
    title         TEXT NOT NULL,
    url           TEXT NOT NULL,
    source        TEXT NOT NULL,
    variant       TEXT NOT NULL,
    kind          TEXT NOT NULL,
    size_bytes    INTEGER NOT NULL DEFAULT 0,
    downloaded_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_downloads_at ON downloads(downloaded_at)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes are declared inline.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
    id               BIGINT AUTO_INCREMENT PRIMARY KEY,
    url              TEXT NOT NULL,
    source           VARCHAR(32) NOT NULL,
    video_id         VARCHAR(255) NOT NULL,
    title            TEXT NOT NULL,
    variant          VARCHAR(255) NOT NULL,
    not_before       BIGINT NOT NULL,
    state            VARCHAR(16) NOT NULL,
    attempts         INT NOT NULL DEFAULT 0,
    error            TEXT NOT NULL,
    failure_kind     VARCHAR(32) NOT NULL,
    claim_token      VARCHAR(64) NOT NULL,
    lease_expires_at BIGINT NULL,
    handle_id        VARCHAR(64) NOT NULL,
    created_at       BIGINT NOT NULL,
    updated_at       BIGINT NOT NULL,
    completed_at     BIGINT NULL,
    INDEX idx_jobs_due (state, not_before),
    INDEX idx_jobs_lease (state, lease_expires_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS downloads (
    id            BIGINT AUTO_INCREMENT PRIMARY KEY,
    job_id        BIGINT NOT NULL,
    video_id      VARCHAR(255) NOT NULL,
    title         TEXT NOT NULL,
    url           TEXT NOT NULL,
    source        VARCHAR(32) NOT NULL,
    variant       VARCHAR(255) NOT NULL,
    kind          VARCHAR(16) NOT NULL,
    size_bytes    BIGINT NOT NULL DEFAULT 0,
    downloaded_at BIGINT NOT NULL,
    INDEX idx_downloads_at (downloaded_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// prepareSQLite ensures the database directory exists.
func prepareSQLite(dsn string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("sqlite: empty database path")
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", err
		}
	}
	return dsn, nil
}

// tuneSQLite serializes access through a single connection.
func tuneSQLite(db *sql.DB) error {
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA journal_mode = WAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}

func prepareMySQL(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql: %w", err)
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	if _, ok := cfg.Params["charset"]; !ok {
		cfg.Params["charset"] = "utf8mb4"
	}
	return cfg.FormatDSN(), nil
}

func tuneMySQL(db *sql.DB) error {
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxIdleConns(4)
	return nil
}
