package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS partitions (
  name       TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
  partition TEXT    NOT NULL REFERENCES partitions(name) ON DELETE CASCADE,
  key       TEXT    NOT NULL,
  status    INTEGER NOT NULL,
  header    TEXT    NOT NULL,
  body      BLOB    NOT NULL,
  type      TEXT    NOT NULL,
  url       TEXT    NOT NULL,
  stored_at INTEGER NOT NULL,
  PRIMARY KEY (partition, key)
);
`

// sqliteStorage 把所有分区放进单个 SQLite 文件，条目写入使用 upsert 保证 last-write-wins。
type sqliteStorage struct {
	sqlDB *sql.DB
}

type sqlitePartition struct {
	storage *sqliteStorage
	name    string
}

// OpenSQLiteStorage 打开（必要时创建）SQLite 分区存储并初始化表结构。
func OpenSQLiteStorage(path string) (Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// modernc 驱动只识别 _pragma=name(value) 形式的参数。
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，避免并发 upsert 触发 SQLITE_BUSY。
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStorage{sqlDB: sqlDB}, nil
}

func (s *sqliteStorage) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return ErrStoreUnavailable
	}
	return nil
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidName
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO partitions (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, toMillis(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}
	return &sqlitePartition{storage: s, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM partitions WHERE name = ?`, name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE partition = ?`, name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Match(ctx context.Context, key string) (*Response, error) {
	if err := p.storage.ready(ctx); err != nil {
		return nil, err
	}
	var (
		status   int
		header   string
		body     []byte
		respType string
		rawURL   string
		storedAt int64
	)
	err := p.storage.sqlDB.QueryRowContext(ctx,
		`SELECT status, header, body, type, url, stored_at FROM entries WHERE partition = ? AND key = ?`,
		p.name, key,
	).Scan(&status, &header, &body, &respType, &rawURL, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	parsedHeader := http.Header{}
	if err := json.Unmarshal([]byte(header), &parsedHeader); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	return &Response{
		Status:   status,
		Header:   parsedHeader,
		Body:     body,
		Type:     ResponseType(respType),
		URL:      rawURL,
		StoredAt: fromMillis(storedAt),
	}, nil
}

func (p *sqlitePartition) Put(ctx context.Context, key string, resp *Response) error {
	if err := p.storage.ready(ctx); err != nil {
		return err
	}
	stored, err := prepareForPut(key, resp)
	if err != nil {
		return err
	}
	header, err := json.Marshal(stored.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := stored.Body
	if body == nil {
		body = []byte{}
	}
	result, err := p.storage.sqlDB.ExecContext(ctx,
		`INSERT INTO entries (partition, key, status, header, body, type, url, stored_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM partitions WHERE name = ?)
		 ON CONFLICT(partition, key) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   type = excluded.type,
		   url = excluded.url,
		   stored_at = excluded.stored_at`,
		p.name, key, stored.Status, string(header), body, string(stored.Type), stored.URL, toMillis(stored.StoredAt),
		p.name,
	)
	if err != nil {
		return fmt.Errorf("put %s into %s: %w", key, p.name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPartitionDeleted
	}
	return nil
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := p.storage.ready(ctx); err != nil {
		return false, err
	}
	result, err := p.storage.sqlDB.ExecContext(ctx, `DELETE FROM entries WHERE partition = ? AND key = ?`, p.name, key)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (p *sqlitePartition) Entries(ctx context.Context) ([]EntryInfo, error) {
	if err := p.storage.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := p.storage.sqlDB.QueryContext(ctx,
		`SELECT key, LENGTH(body), stored_at FROM entries WHERE partition = ? ORDER BY key`, p.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []EntryInfo
	for rows.Next() {
		var (
			info     EntryInfo
			storedAt int64
		)
		if err := rows.Scan(&info.Key, &info.SizeBytes, &storedAt); err != nil {
			return nil, err
		}
		info.StoredAt = fromMillis(storedAt)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}
