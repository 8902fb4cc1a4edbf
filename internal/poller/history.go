package poller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const MaxHistory = 10

// HistoryEntry is one dispatched request as remembered on the requester side.
type HistoryEntry struct {
	RequestID   string    `json:"requestId"`
	Item        string    `json:"item"`
	Location    string    `json:"location,omitempty"`
	VendorCount int       `json:"vendorCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

// History keeps the most recent dispatches, newest first, capped at
// MaxHistory. With a path it is loaded from and saved to a JSON file.
type History struct {
	path string

	mu      sync.Mutex
	entries []HistoryEntry
}

// NewHistory loads path if it exists. An empty path keeps history in memory.
func NewHistory(path string) (*History, error) {
	h := &History{path: path}
	if path == "" {
		return h, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if len(b) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(b, &h.entries); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", path, err)
	}
	if len(h.entries) > MaxHistory {
		h.entries = h.entries[:MaxHistory]
	}
	return h, nil
}

// Add records e as the most recent entry. A previous entry with the same
// request id is replaced.
func (h *History) Add(e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := make([]HistoryEntry, 0, MaxHistory)
	next = append(next, e)
	for _, old := range h.entries {
		if old.RequestID == e.RequestID {
			continue
		}
		if len(next) == MaxHistory {
			break
		}
		next = append(next, old)
	}
	h.entries = next
	return h.saveLocked()
}

func (h *History) List() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) saveLocked() error {
	if h.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(h.entries, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(h.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("history dir: %w", err)
		}
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return os.Rename(tmp, h.path)
}
