package mailer

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// loadHistory loads per-network poll state from a JSON file, in the same
// JSON-list-on-disk, map-by-key-in-memory shape stlalpha-vision3's
// scheduler history uses.
func loadHistory(path string) (map[string]*NetworkState, error) {
	states := make(map[string]*NetworkState)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("INFO: mailer: no poll history at %s, starting empty", path)
		return states, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mailer: read history %s: %w", path, err)
	}

	var list []NetworkState
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("mailer: parse history %s: %w", path, err)
	}
	for i := range list {
		states[list[i].Network] = &list[i]
	}

	log.Printf("INFO: mailer: loaded poll history for %d networks from %s", len(states), path)
	return states, nil
}

// saveHistory persists every network's poll state, writing to a temp file
// in the same directory and renaming over the target so a crash mid-write
// never leaves a truncated history file behind.
func (m *Mailer) saveHistory() error {
	m.mu.RLock()
	list := make([]NetworkState, 0, len(m.states))
	for _, st := range m.states {
		list = append(list, *st)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("mailer: marshal history: %w", err)
	}

	if err := atomicWriteFile(m.historyPath, data, 0o644); err != nil {
		return err
	}
	log.Printf("DEBUG: mailer: saved poll history for %d networks to %s", len(list), m.historyPath)
	return nil
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mailer: mkdir %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".mailer-history-*.tmp")
	if err != nil {
		return fmt.Errorf("mailer: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("mailer: write %s: %w", tmpPath, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("mailer: chmod %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mailer: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mailer: rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}
