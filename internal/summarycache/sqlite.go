package summarycache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS summaries (
	key        TEXT PRIMARY KEY,
	summary    TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// SQLite 是单机持久化的摘要缓存。
type SQLite struct {
	db *sql.DB
}

var _ Cache = (*SQLite)(nil)

// OpenSQLite 打开（必要时创建）缓存数据库。
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("SQLite 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化摘要表失败: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Get 实现 Cache。
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var summary string
	err := s.db.QueryRowContext(ctx, `SELECT summary FROM summaries WHERE key = ?`, key).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("读取摘要缓存失败: %w", err)
	}
	return summary, true, nil
}

// Put 实现 Cache。
func (s *SQLite) Put(ctx context.Context, key, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO summaries (key, summary, created_at) VALUES (?, ?, ?)`,
		key, summary, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("写入摘要缓存失败: %w", err)
	}
	return nil
}

// Close 关闭数据库。
func (s *SQLite) Close() error {
	return s.db.Close()
}
