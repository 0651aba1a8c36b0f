// Package storage wraps SQLite-backed persistence for parameter presets and
// the executed-command history.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chromafits/internal/params"
)

// ErrPresetExists is returned when a rename would clobber another preset.
var ErrPresetExists = errors.New("preset already exists")

// ErrPresetNotFound is returned for operations on unknown preset names.
var ErrPresetNotFound = errors.New("preset not found")

// Store wraps the presets and command-history tables.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS presets (
            name TEXT PRIMARY KEY,
            description TEXT,
            params_json TEXT NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS command_history (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_at INTEGER NOT NULL,
            command_json TEXT NOT NULL,
            params_json TEXT NOT NULL,
            outcome TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_history_run_at ON command_history(run_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Preset is a named snapshot of a parameter set.
type Preset struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Parameters  params.Set `json:"parameters"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SavePreset creates or overwrites a preset under name.
func (s *Store) SavePreset(name, description string, p params.Set) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("preset name must not be empty")
	}
	paramsJSON, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO presets (name, description, params_json, created_at)
        VALUES (?, ?, ?, ?);`, name, description, string(paramsJSON), time.Now().UnixNano())
	return err
}

// GetPreset fetches a preset by name.
func (s *Store) GetPreset(name string) (*Preset, error) {
	row := s.db.QueryRow(`SELECT name, description, params_json, created_at FROM presets WHERE name = ?;`, name)
	p, err := scanPreset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	return p, err
}

// ListPresets returns all presets, oldest first.
func (s *Store) ListPresets() ([]*Preset, error) {
	rows, err := s.db.Query(`SELECT name, description, params_json, created_at FROM presets ORDER BY created_at ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var presets []*Preset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, err
		}
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

// DeletePreset removes a preset. It reports whether anything was deleted.
func (s *Store) DeletePreset(name string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM presets WHERE name = ?;`, name)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RenamePreset changes a preset's name, refusing to clobber an existing one.
func (s *Store) RenamePreset(oldName, newName string) error {
	if strings.TrimSpace(newName) == "" {
		return errors.New("preset name must not be empty")
	}
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM presets WHERE name = ?;`, newName).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrPresetExists, newName)
	}
	res, err := s.db.Exec(`UPDATE presets SET name = ? WHERE name = ?;`, newName, oldName)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrPresetNotFound, oldName)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPreset(row rowScanner) (*Preset, error) {
	var (
		p           Preset
		desc        sql.NullString
		paramsJSON  string
		createdNano int64
	)
	if err := row.Scan(&p.Name, &desc, &paramsJSON, &createdNano); err != nil {
		return nil, err
	}
	p.Description = desc.String
	p.CreatedAt = time.Unix(0, createdNano)
	if err := json.Unmarshal([]byte(paramsJSON), &p.Parameters); err != nil {
		return nil, fmt.Errorf("preset %s: %w", p.Name, err)
	}
	return &p, nil
}

// HistoryRecord is one executed command. Records are append-only: they are
// never mutated or deleted individually, only pruned wholesale.
type HistoryRecord struct {
	ID         int64      `json:"id"`
	RunAt      time.Time  `json:"run_at"`
	Command    []string   `json:"command"`
	Parameters params.Set `json:"parameters"`
	Outcome    string     `json:"outcome"`
}

// Outcome values recorded in history.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
	OutcomeCacheHit  = "cache_hit"
)

// AppendHistory logs an executed command with its outcome.
func (s *Store) AppendHistory(argv []string, p params.Set, outcome string) error {
	commandJSON, err := json.Marshal(argv)
	if err != nil {
		return err
	}
	paramsJSON, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO command_history (run_at, command_json, params_json, outcome)
        VALUES (?, ?, ?, ?);`, time.Now().UnixNano(), string(commandJSON), string(paramsJSON), outcome)
	return err
}

// RecentHistory returns up to limit records, newest first.
func (s *Store) RecentHistory(limit int) ([]*HistoryRecord, error) {
	return s.queryHistory(`SELECT id, run_at, command_json, params_json, outcome
        FROM command_history ORDER BY run_at DESC, id DESC LIMIT ?;`, limit)
}

// FilterHistory returns up to limit records whose command or parameters
// contain the query, case-insensitively, newest first.
func (s *Store) FilterHistory(query string, limit int) ([]*HistoryRecord, error) {
	like := "%" + strings.ToLower(query) + "%"
	return s.queryHistory(`SELECT id, run_at, command_json, params_json, outcome
        FROM command_history
        WHERE lower(command_json) LIKE ? OR lower(params_json) LIKE ?
        ORDER BY run_at DESC, id DESC LIMIT ?;`, like, like, limit)
}

// PruneHistory deletes the whole log and returns the number of records removed.
func (s *Store) PruneHistory() (int, error) {
	res, err := s.db.Exec(`DELETE FROM command_history;`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) queryHistory(query string, args ...any) ([]*HistoryRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*HistoryRecord
	for rows.Next() {
		var (
			rec                     HistoryRecord
			runAtNano               int64
			commandJSON, paramsJSON string
		)
		if err := rows.Scan(&rec.ID, &runAtNano, &commandJSON, &paramsJSON, &rec.Outcome); err != nil {
			return nil, err
		}
		rec.RunAt = time.Unix(0, runAtNano)
		if err := json.Unmarshal([]byte(commandJSON), &rec.Command); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(paramsJSON), &rec.Parameters); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
