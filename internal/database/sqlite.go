// Package database 提供 sqlite 连接管理。
//
// 每个库一条连接 + 一把互斥锁 (单写者语义), 裸写 SQL (不使用 ORM)。
// WAL 模式强制开启, busy_timeout 5s。
package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	apperrors "github.com/multi-agent/go-session-v2/pkg/errors"
	"github.com/multi-agent/go-session-v2/pkg/logger"
)

// DB 单连接 sqlite 句柄。
//
// MaxOpenConns=1 串行化所有语句; 跨语句的复合操作 (如事件序号分配)
// 额外持有调用方自己的互斥锁。
type DB struct {
	conn *sql.DB
	path string
}

// Open 打开 (必要时创建) sqlite 数据库并应用 PRAGMA。
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Wrap(err, "Database.Open", "create data dir")
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrapf(err, "Database.Open", "open %s", path)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, apperrors.Wrapf(err, "Database.Open", "exec %q", pragma)
		}
	}

	logger.Infow("sqlite opened", logger.FieldPath, path)
	return &DB{conn: conn, path: path}, nil
}

// Conn 返回底层连接。
func (d *DB) Conn() *sql.DB { return d.conn }

// Path 返回数据库文件路径。
func (d *DB) Path() string { return d.path }

// Close 关闭连接。
func (d *DB) Close() error { return d.conn.Close() }

// ========================================
// 迁移
// ========================================

// Migration 一条带版本号的 DDL 迁移。
type Migration struct {
	Version string
	SQL     string
}

// Migrate 按版本号顺序执行未应用的迁移, schema_version 表追踪进度。
func Migrate(ctx context.Context, db *DB, migrations []Migration) error {
	if db == nil {
		return apperrors.New("Migrate", "db is required")
	}

	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version TEXT PRIMARY KEY,
			applied_at TEXT DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return apperrors.Wrap(err, "Migrate", "create schema_version table")
	}

	applied, err := loadAppliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if err := applyOneMigration(ctx, db, m); err != nil {
			return err
		}
		logger.Infow("migration applied", logger.FieldVersion, m.Version, logger.FieldPath, db.path)
	}
	return nil
}

func loadAppliedVersions(ctx context.Context, db *DB) (map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, apperrors.Wrap(err, "Migrate", "query schema_version")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, apperrors.Wrap(err, "Migrate", "scan schema_version")
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyOneMigration(ctx context.Context, db *DB, m Migration) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrapf(err, "Migrate", "begin tx for %s", m.Version)
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		_ = tx.Rollback()
		return apperrors.Wrapf(err, "Migrate", "exec migration %s", m.Version)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.Version); err != nil {
		_ = tx.Rollback()
		return apperrors.Wrapf(err, "Migrate", "record migration %s", m.Version)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrapf(err, "Migrate", "commit migration %s", m.Version)
	}
	return nil
}
