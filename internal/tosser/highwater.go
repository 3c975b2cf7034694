package tosser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// hwmFile is the on-disk format for the high-water marks.
// Structure: { "networks": { "networkName": { "key": value } } }
type hwmFile struct {
	Networks map[string]map[string]int64 `json:"networks"`
}

// HighWaterMark persists named int64 positions per network. The tosser
// uses a single key per network, packetSeqArea, holding the sequence
// number of the last outbound .pkt file written, so outbound packet names
// keep increasing across restarts. News-spool article positions are not
// tracked.
type HighWaterMark struct {
	mu       sync.Mutex
	path     string
	networks map[string]map[string]int64 // networkName -> key -> value
}

// LoadHighWaterMark loads the HWM database from path, creating an empty one
// if the file does not exist.
func LoadHighWaterMark(path string) (*HighWaterMark, error) {
	hwm := &HighWaterMark{
		path:     path,
		networks: make(map[string]map[string]int64),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hwm, nil
		}
		return nil, fmt.Errorf("tosser: load hwm %s: %w", path, err)
	}
	if len(data) == 0 {
		return hwm, nil
	}

	var f hwmFile
	if err := json.Unmarshal(data, &f); err != nil {
		// Corrupt file: start fresh rather than failing the daemon.
		return hwm, nil
	}
	if f.Networks != nil {
		hwm.networks = f.Networks
	}
	return hwm, nil
}

// Get returns the value recorded for a given network/key pair. Returns 0
// if no mark has been recorded.
func (h *HighWaterMark) Get(network, area string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.networks[network]; ok {
		return m[area]
	}
	return 0
}

// Set records the value for a network/key pair.
func (h *HighWaterMark) Set(network, area string, articleNum int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.networks[network] == nil {
		h.networks[network] = make(map[string]int64)
	}
	h.networks[network][area] = articleNum
}

// Save persists the current high-water marks atomically (write a temp
// file in the same directory, then rename over the target).
func (h *HighWaterMark) Save() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := hwmFile{Networks: h.networks}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(h.path, data, 0o644)
}

// HWMPath returns the default HWM file path relative to a data directory.
func HWMPath(dataDir string) string {
	return filepath.Join(dataDir, "ftn", "export_hwm.json")
}

// atomicWriteFile writes data to path by creating a temp file alongside it
// and renaming over the target, the same write-then-rename convention used
// by internal/dupe.DB and internal/storage's active file and article
// writers.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("tosser: mkdir %s: %w", dir, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".hwm-*.tmp")
	if err != nil {
		return fmt.Errorf("tosser: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("tosser: write %s: %w", tmpPath, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("tosser: chmod %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("tosser: close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("tosser: rename %s into place: %w", tmpPath, err)
	}
	return nil
}
