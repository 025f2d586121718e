package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
)

// RecentEntry is one remembered project.
type RecentEntry struct {
	// Path is the database file for embedded projects and
	// "server/database" for remote ones.
	Path        string          `json:"path"`
	DisplayName string          `json:"display_name"`
	Backend     gateway.Backend `json:"backend"`
	LastOpened  time.Time       `json:"last_opened"`
}

// RecentStore persists the most-recently-opened projects as a JSON file.
// Entries are deduplicated case-insensitively on their cleaned path, so
// reopening the same file with different path spelling moves the existing
// entry to the front instead of duplicating it.
type RecentStore struct {
	mu   sync.Mutex
	path string
	max  int
}

// NewRecentStore creates a store backed by path, capped at max entries.
func NewRecentStore(path string, max int) *RecentStore {
	if max <= 0 {
		max = 15
	}
	return &RecentStore{path: path, max: max}
}

// identity is the dedupe key for an entry.
func identity(e RecentEntry) string {
	p := e.Path
	if e.Backend == gateway.BackendEmbedded {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		p = filepath.Clean(p)
	}
	return string(e.Backend) + "|" + strings.ToLower(p)
}

// List returns the remembered projects, newest first. A missing or
// unreadable file yields an empty list; the recent list is convenience
// state and never blocks startup.
func (s *RecentStore) List() []RecentEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *RecentStore) load() []RecentEntry {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	var entries []RecentEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastOpened.After(entries[j].LastOpened)
	})
	if len(entries) > s.max {
		entries = entries[:s.max]
	}
	return entries
}

// Add records e as the most recent project, evicting any earlier entry
// with the same identity and trimming to the cap.
func (s *RecentStore) Add(e RecentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.LastOpened.IsZero() {
		e.LastOpened = time.Now()
	}
	key := identity(e)

	entries := s.load()
	out := make([]RecentEntry, 0, len(entries)+1)
	out = append(out, e)
	for _, old := range entries {
		if identity(old) == key {
			continue
		}
		out = append(out, old)
	}
	if len(out) > s.max {
		out = out[:s.max]
	}
	return s.save(out)
}

// Remove drops the entry matching e's identity, if present.
func (s *RecentStore) Remove(e RecentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identity(e)
	entries := s.load()
	out := entries[:0]
	for _, old := range entries {
		if identity(old) != key {
			out = append(out, old)
		}
	}
	return s.save(out)
}

func (s *RecentStore) save(entries []RecentEntry) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return dberr.Wrap(dberr.KindOperational, "encoding recent projects", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return dberr.Wrap(dberr.KindOperational, "creating recent projects directory", err)
		}
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return dberr.Wrap(dberr.KindOperational, "writing recent projects", err)
	}
	return nil
}
