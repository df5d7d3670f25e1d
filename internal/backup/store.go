package backup

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("backup: not found")

// Store persists backup records in SQLite. Every record is written the
// moment its snapshot is taken, so a crash mid-conversion leaves a
// complete stack on disk for a later rollback.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the backup database at path with WAL mode and
// a busy timeout of 5 seconds.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("backup: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("backup: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("backup: %s: %w", p, err)
		}
	}

	ddl := `CREATE TABLE IF NOT EXISTS backup_records (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		target     TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at TEXT NOT NULL
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("backup: create table: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Append persists a new record and returns it with its assigned
// sequence number.
func (s *Store) Append(kind Kind, target string, payload []byte) (Record, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(
		`INSERT INTO backup_records (kind, target, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(kind), target, payload, now,
	)
	if err != nil {
		return Record{}, fmt.Errorf("backup: append: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("backup: last insert id: %w", err)
	}
	return Record{Seq: seq, Kind: kind, Target: target, Payload: payload, CreatedAt: now}, nil
}

// All returns every record in creation order.
func (s *Store) All() ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT seq, kind, target, payload, created_at FROM backup_records ORDER BY seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("backup: list: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var kind string
		if err := rows.Scan(&r.Seq, &kind, &r.Target, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("backup: scan: %w", err)
		}
		r.Kind = Kind(kind)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backup: rows: %w", err)
	}
	return records, nil
}

// Delete removes a single record by sequence number.
func (s *Store) Delete(seq int64) error {
	res, err := s.db.Exec(`DELETE FROM backup_records WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("backup: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("backup: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every record.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM backup_records`); err != nil {
		return fmt.Errorf("backup: clear: %w", err)
	}
	return nil
}
