package localcache

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores entries in a SQLite file in WAL mode, which several
// processes can open at once. This is the backend for tabs in separate processes.
type SQLiteBackend struct {
	sqlDB *sql.DB
	path  string
}

// OpenSQLite opens or creates the SQLite file at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteBackend{sqlDB: sqlDB, path: cleanPath}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteBackend) Path() string { return s.path }

func (s *SQLiteBackend) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteBackend) Get(key string) ([]byte, bool, error) {
	if s == nil || s.sqlDB == nil {
		return nil, false, fmt.Errorf("storage is not configured")
	}
	var value []byte
	err := s.sqlDB.QueryRow(`SELECT value FROM cache_entries WHERE cache_key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cache entry: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

func (s *SQLiteBackend) Put(key string, value []byte) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	_, err := s.sqlDB.Exec(
		`INSERT INTO cache_entries (cache_key, value, modified_at) VALUES (?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET value = excluded.value, modified_at = excluded.modified_at`,
		key, value, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Delete(key string) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.Exec(`DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Entries() ([]EntryInfo, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.Query(
		`SELECT cache_key, length(cache_key) + coalesce(length(value), 0), modified_at FROM cache_entries ORDER BY cache_key`,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()

	var out []EntryInfo
	for rows.Next() {
		var (
			info  EntryInfo
			stamp int64
		)
		if err := rows.Scan(&info.Key, &info.Size, &stamp); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		info.Modified = time.Unix(0, stamp)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteBackend) migrate() error {
	_, err := s.sqlDB.Exec(`CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key   TEXT PRIMARY KEY,
		value       BLOB,
		modified_at INTEGER NOT NULL
	)`)
	return err
}
