// Package state persists per-channel forwarding progress between runs.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store holds the last forwarded message ID and the known pinned-message IDs
// per source channel, backed by a JSON file. Writes are atomic: a temp file
// is renamed over the original.
type Store struct {
	path string

	mu    sync.Mutex
	data  fileData
	dirty bool
}

type fileData struct {
	LastMessageIDs map[string]string   `json:"last_message_ids"`
	KnownPins      map[string][]string `json:"known_pins,omitempty"`
}

// Open loads the state file if it exists. A corrupted file is renamed to
// .bak and replaced with a fresh state rather than failing startup.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: fileData{
			LastMessageIDs: make(map[string]string),
			KnownPins:      make(map[string][]string),
		},
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var loaded fileData
	if err := json.Unmarshal(raw, &loaded); err != nil {
		backup := path + ".bak"
		os.Remove(backup)
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return nil, fmt.Errorf("back up corrupted state file: %w", renameErr)
		}
		return s, nil
	}
	for channelID, messageID := range loaded.LastMessageIDs {
		if messageID != "" {
			s.data.LastMessageIDs[channelID] = messageID
		}
	}
	for channelID, pins := range loaded.KnownPins {
		if len(pins) > 0 {
			s.data.KnownPins[channelID] = pins
		}
	}
	return s, nil
}

// LastMessageID returns the saved cursor for the channel, empty if none.
func (s *Store) LastMessageID(channelID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.LastMessageIDs[channelID]
}

// SetLastMessageID advances the channel cursor. A no-op write does not mark
// the store dirty, so Save stays cheap inside the poll loop.
func (s *Store) SetLastMessageID(channelID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.LastMessageIDs[channelID] == messageID {
		return
	}
	s.data.LastMessageIDs[channelID] = messageID
	s.dirty = true
}

// KnownPins reports whether pin IDs have been recorded for the channel and
// returns them as a set.
func (s *Store) KnownPins(channelID string) (map[string]struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pins, ok := s.data.KnownPins[channelID]
	set := make(map[string]struct{}, len(pins))
	for _, id := range pins {
		set[id] = struct{}{}
	}
	return set, ok
}

// SetKnownPins replaces the recorded pin IDs for the channel. IDs are stored
// sorted so the file stays diff-friendly.
func (s *Store) SetKnownPins(channelID string, ids map[string]struct{}) {
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	s.mu.Lock()
	defer s.mu.Unlock()
	current, recorded := s.data.KnownPins[channelID]
	if recorded && equalStrings(current, sorted) {
		return
	}
	s.data.KnownPins[channelID] = sorted
	s.dirty = true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Save writes the state to disk if anything changed since the last save.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state directory: %w", err)
		}
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	s.dirty = false
	return nil
}
