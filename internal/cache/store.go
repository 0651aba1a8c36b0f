// Package cache persists generated color images keyed by request
// fingerprint, bounded by a FIFO eviction policy.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"chromafits/internal/command"
	"chromafits/internal/fsutil"
	"chromafits/internal/params"
)

// Entry is one cached generation result. The store owns the lifetime of the
// backing image and thumbnail files; nothing else deletes them directly.
type Entry struct {
	Key           Key            `json:"key"`
	ImagePath     string         `json:"image_path"`
	ThumbnailPath string         `json:"thumbnail_path,omitempty"`
	Parameters    params.Set     `json:"parameters"`
	Inputs        command.Inputs `json:"inputs"`
	Command       []string       `json:"command"`
	CreatedAt     time.Time      `json:"created_at"`
	FileSize      int64          `json:"file_size"`

	seq int64
}

// Stats summarizes store occupancy.
type Stats struct {
	Entries    int    `json:"entries"`
	Capacity   int    `json:"capacity"`
	TotalBytes int64  `json:"total_bytes"`
	Dir        string `json:"dir"`
}

// Store is the on-disk cache: an images/ directory, a thumbnails/ directory
// and a SQLite index, all colocated under dir. Mutations (Insert, Remove,
// Clear) are serialized; Lookup and List may run concurrently with reads.
type Store struct {
	mu        sync.RWMutex
	db        *sql.DB
	dir       string
	imagesDir string
	thumbsDir string
	capacity  int
	log       *slog.Logger
}

// Open creates or reopens the cache at dir. Entries whose backing image file
// has gone missing are dropped during load rather than failing the open.
func Open(dir string, capacity int, logger *slog.Logger) (*Store, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if logger == nil {
		logger = slog.Default()
	}

	imagesDir := filepath.Join(dir, "images")
	thumbsDir := filepath.Join(dir, "thumbnails")
	for _, d := range []string{dir, imagesDir, thumbsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "metadata.db"))
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:        db,
		dir:       dir,
		imagesDir: imagesDir,
		thumbsDir: thumbsDir,
		capacity:  capacity,
		log:       logger,
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.dropStaleEntries(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            key TEXT UNIQUE NOT NULL,
            image_path TEXT NOT NULL,
            thumbnail_path TEXT,
            params_json TEXT NOT NULL,
            inputs_json TEXT NOT NULL,
            command_json TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            file_size INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// dropStaleEntries removes index rows whose image file no longer exists.
func (s *Store) dropStaleEntries() error {
	entries, err := s.scanEntries(`SELECT ` + entryColumns + ` FROM entries;`)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if fsutil.NonEmptyFile(e.ImagePath) {
			continue
		}
		s.log.Warn("dropping cache entry with missing image", "key", e.Key)
		if err := s.deleteEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying index.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dir returns the cache root directory.
func (s *Store) Dir() string { return s.dir }

// ImagesDir returns the directory holding cached images.
func (s *Store) ImagesDir() string { return s.imagesDir }

// Capacity returns the configured maximum entry count.
func (s *Store) Capacity() int { return s.capacity }

// Lookup returns the entry for key, or (nil, false) on a miss. An entry whose
// backing image has vanished counts as a miss and is dropped on the spot, so
// corruption never surfaces to the caller.
func (s *Store) Lookup(key Key) (*Entry, bool) {
	s.mu.RLock()
	e, err := s.lookupLocked(key)
	s.mu.RUnlock()
	if err != nil || e == nil {
		return nil, false
	}
	if fsutil.NonEmptyFile(e.ImagePath) {
		return e, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, err := s.lookupLocked(key); err == nil && cur != nil && !fsutil.NonEmptyFile(cur.ImagePath) {
		s.log.Warn("dropping cache entry with missing image", "key", key)
		_ = s.deleteEntry(cur)
	}
	return nil, false
}

func (s *Store) lookupLocked(key Key) (*Entry, error) {
	entries, err := s.scanEntries(`SELECT `+entryColumns+` FROM entries WHERE key = ?;`, string(key))
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// Insert commits a generation result: the image and thumbnail are copied
// into the store (temp file, then rename) before the index row is written,
// so a crash mid-insert never leaves a visible-but-broken entry. If the
// store then exceeds capacity, the oldest entries by creation time (ties by
// insertion sequence) are evicted along with their files.
func (s *Store) Insert(key Key, imageSrc, thumbSrc string, p params.Set, in command.Inputs, argv []string) (*Entry, error) {
	if !fsutil.NonEmptyFile(imageSrc) {
		return nil, fmt.Errorf("cache insert: image %s missing or empty", imageSrc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ext := filepath.Ext(imageSrc)
	if ext == "" {
		ext = ".tif"
	}
	imageDst := filepath.Join(s.imagesDir, string(key)+ext)
	if err := fsutil.CopyAtomic(imageSrc, imageDst); err != nil {
		return nil, fmt.Errorf("cache insert image: %w", err)
	}

	thumbDst := ""
	if thumbSrc != "" && fsutil.Exists(thumbSrc) {
		thumbDst = filepath.Join(s.thumbsDir, string(key)+".png")
		if err := fsutil.CopyAtomic(thumbSrc, thumbDst); err != nil {
			// A missing thumbnail is cosmetic; keep the entry.
			s.log.Warn("thumbnail copy failed", "key", key, "error", err)
			thumbDst = ""
		}
	}

	info, err := os.Stat(imageDst)
	if err != nil {
		return nil, err
	}

	paramsJSON, _ := json.Marshal(p)
	inputsJSON, _ := json.Marshal(in)
	commandJSON, _ := json.Marshal(argv)
	createdAt := time.Now()

	res, err := s.db.Exec(`INSERT OR REPLACE INTO entries
        (key, image_path, thumbnail_path, params_json, inputs_json, command_json, created_at, file_size)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		string(key), imageDst, thumbDst, string(paramsJSON), string(inputsJSON),
		string(commandJSON), createdAt.UnixNano(), info.Size())
	if err != nil {
		os.Remove(imageDst)
		if thumbDst != "" {
			os.Remove(thumbDst)
		}
		return nil, fmt.Errorf("cache insert index: %w", err)
	}
	seq, _ := res.LastInsertId()

	if err := s.evictLocked(); err != nil {
		return nil, err
	}

	return &Entry{
		Key:           key,
		ImagePath:     imageDst,
		ThumbnailPath: thumbDst,
		Parameters:    p.Clone(),
		Inputs:        in,
		Command:       append([]string(nil), argv...),
		CreatedAt:     createdAt,
		FileSize:      info.Size(),
		seq:           seq,
	}, nil
}

// evictLocked removes oldest-first entries until count <= capacity.
func (s *Store) evictLocked() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries;`).Scan(&count); err != nil {
		return err
	}
	if count <= s.capacity {
		return nil
	}

	victims, err := s.scanEntries(
		`SELECT `+entryColumns+` FROM entries ORDER BY created_at ASC, seq ASC LIMIT ?;`,
		count-s.capacity)
	if err != nil {
		return err
	}
	for _, v := range victims {
		s.log.Debug("evicting cache entry", "key", v.Key, "created_at", v.CreatedAt)
		if err := s.deleteEntry(v); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes a single entry and its backing files.
func (s *Store) Remove(key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(key)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	return true, s.deleteEntry(e)
}

func (s *Store) deleteEntry(e *Entry) error {
	if _, err := s.db.Exec(`DELETE FROM entries WHERE key = ?;`, string(e.Key)); err != nil {
		return err
	}
	if e.ImagePath != "" {
		os.Remove(e.ImagePath)
	}
	if e.ThumbnailPath != "" {
		os.Remove(e.ThumbnailPath)
	}
	return nil
}

// Clear removes every entry and backing file. Returns the number removed.
func (s *Store) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.scanEntries(`SELECT ` + entryColumns + ` FROM entries;`)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := s.deleteEntry(e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// List returns all entries, most recent first.
func (s *Store) List() ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanEntries(`SELECT ` + entryColumns + ` FROM entries ORDER BY created_at DESC, seq DESC;`)
}

// Len returns the current entry count.
func (s *Store) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM entries;`).Scan(&count)
	return count, err
}

// GetStats reports entry count, capacity and total image bytes.
func (s *Store) GetStats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Capacity: s.capacity, Dir: s.dir}
	row := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM entries;`)
	if err := row.Scan(&st.Entries, &st.TotalBytes); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Search returns entries whose parameters or input file names contain the
// query, case-insensitively, most recent first.
func (s *Store) Search(query string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	like := "%" + strings.ToLower(query) + "%"
	return s.scanEntries(`SELECT `+entryColumns+` FROM entries
        WHERE lower(params_json) LIKE ? OR lower(inputs_json) LIKE ?
        ORDER BY created_at DESC, seq DESC;`, like, like)
}

// Export copies every cached image into destDir under a descriptive
// date-prefixed name and returns key -> exported path.
func (s *Store) Export(destDir string) (map[Key]string, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	exported := make(map[Key]string, len(entries))
	for _, e := range entries {
		if !fsutil.Exists(e.ImagePath) {
			continue
		}
		name := fmt.Sprintf("%s_%s%s",
			e.CreatedAt.Format("2006-01-02"), shortKey(e.Key), filepath.Ext(e.ImagePath))
		dst := filepath.Join(destDir, name)
		if err := fsutil.CopyAtomic(e.ImagePath, dst); err != nil {
			return nil, err
		}
		exported[e.Key] = dst
	}
	return exported, nil
}

func shortKey(k Key) string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

const entryColumns = `key, image_path, thumbnail_path, params_json, inputs_json, command_json, created_at, file_size, seq`

func (s *Store) scanEntries(query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e                                    Entry
			key, paramsJSON, inputsJSON, cmdJSON string
			thumb                                sql.NullString
			createdNano                          int64
		)
		if err := rows.Scan(&key, &e.ImagePath, &thumb, &paramsJSON, &inputsJSON,
			&cmdJSON, &createdNano, &e.FileSize, &e.seq); err != nil {
			return nil, err
		}
		e.Key = Key(key)
		e.ThumbnailPath = thumb.String
		e.CreatedAt = time.Unix(0, createdNano)
		// Malformed rows are skipped, not fatal.
		if err := json.Unmarshal([]byte(paramsJSON), &e.Parameters); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(inputsJSON), &e.Inputs); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(cmdJSON), &e.Command); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return entries, nil
}
