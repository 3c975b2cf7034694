// Package dupe implements the persistent MSGID duplicate detector described
// in spec.md §4.7: a normalized-MSGID set with timestamped entries and
// time-based eviction, backed by a line-oriented text file.
package dupe

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stlalpha/ftnd/internal/message"
)

// DB is a persistent set of normalized MSGID strings with first-seen
// timestamps. Safe for concurrent use within a single process; cross-process
// callers must hold the advisory file lock for the duration of an
// Add/Cleanup, per spec.md §5.
type DB struct {
	mu      sync.Mutex
	path    string
	entries map[string]int64 // normalized MSGID -> unix seconds first seen
	dirty   bool
}

// Open loads a duplicate database from path, creating an empty one if the
// file does not yet exist.
func Open(path string) (*DB, error) {
	db := &DB{path: path, entries: make(map[string]int64)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return nil, fmt.Errorf("dupe: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		msgID, tsStr, ok := strings.Cut(line, "\t")
		if !ok {
			continue // tolerate a corrupt/foreign line rather than failing the whole load
		}
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		db.entries[msgID] = ts
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dupe: read %s: %w", path, err)
	}
	return db, nil
}

// IsDuplicate reports whether msg's normalized MSGID is already present.
// Messages without a MSGID are never duplicates.
func (db *DB) IsDuplicate(msg *message.Message) bool {
	if msg.MsgID == "" {
		return false
	}
	key := Normalize(msg.MsgID)

	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.entries[key]
	return ok
}

// Add records msg's normalized MSGID with the current time. Messages without
// a MSGID are not inserted. Returns true if the message was newly added,
// false if it was already present (a duplicate) or had no MSGID.
func (db *DB) Add(msg *message.Message) bool {
	return db.AddAt(msg, time.Now())
}

// AddAt is Add with an explicit first-seen time, for deterministic testing.
func (db *DB) AddAt(msg *message.Message, at time.Time) bool {
	if msg.MsgID == "" {
		return false
	}
	key := Normalize(msg.MsgID)

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.entries[key]; ok {
		return false
	}
	db.entries[key] = at.Unix()
	db.dirty = true
	return true
}

// Cleanup removes every entry with a first-seen time strictly before cutoff
// and marks the database dirty if anything was removed.
func (db *DB) Cleanup(cutoff time.Time) int {
	db.mu.Lock()
	defer db.mu.Unlock()

	cut := cutoff.Unix()
	removed := 0
	for k, ts := range db.entries {
		if ts < cut {
			delete(db.entries, k)
			removed++
		}
	}
	if removed > 0 {
		db.dirty = true
	}
	return removed
}

// Count returns the number of entries currently tracked.
func (db *DB) Count() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.entries)
}

// Save rewrites the database to disk atomically (write a .tmp file, then
// rename over the target), regardless of the dirty flag.
func (db *DB) Save() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.saveLocked()
}

// SaveIfDirty saves only if entries changed since the last successful save.
func (db *DB) SaveIfDirty() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if !db.dirty {
		return nil
	}
	return db.saveLocked()
}

func (db *DB) saveLocked() error {
	if db.path == "" {
		return fmt.Errorf("dupe: no path configured for save")
	}
	if dir := filepath.Dir(db.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("dupe: mkdir %s: %w", dir, err)
		}
	}

	tmpPath := db.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("dupe: create %s: %w", tmpPath, err)
	}

	w := bufio.NewWriter(f)
	for msgID, ts := range db.entries {
		if _, err := fmt.Fprintf(w, "%s\t%d\n", msgID, ts); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("dupe: write %s: %w", tmpPath, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("dupe: flush %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dupe: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, db.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dupe: rename %s: %w", tmpPath, err)
	}
	db.dirty = false
	return nil
}
