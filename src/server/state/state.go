// Package state owns the durable record of what the KVM is logically doing:
// which input was last selected and which hard-power relays are on. The
// record is write-only software bookkeeping, never reconciled against pin
// readback, and survives restarts in a JSON file.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/andrewthetechie/nanokvm-control-api/src/server/pinmap"
)

// SystemState is one coherent value of the logical record. HardPower has
// an entry for every valid id; CurrentInput is nil until the first
// successful input selection.
type SystemState struct {
	CurrentInput *int
	HardPower    map[int]bool
}

func defaultState() SystemState {
	hp := make(map[int]bool, len(pinmap.ValidIDs))
	for _, id := range pinmap.ValidIDs {
		hp[id] = false
	}
	return SystemState{HardPower: hp}
}

func (s SystemState) clone() SystemState {
	out := SystemState{HardPower: make(map[int]bool, len(s.HardPower))}
	if s.CurrentInput != nil {
		v := *s.CurrentInput
		out.CurrentInput = &v
	}
	for id, on := range s.HardPower {
		out.HardPower[id] = on
	}
	return out
}

// fileRecord is the on-disk shape, kept compatible with existing state
// files: {"current_input": null, "hard_power_state": {"1": 0, ...}}.
type fileRecord struct {
	CurrentInput *int           `json:"current_input"`
	HardPower    map[string]int `json:"hard_power_state"`
}

func toRecord(s SystemState) fileRecord {
	rec := fileRecord{
		CurrentInput: s.CurrentInput,
		HardPower:    make(map[string]int, len(pinmap.ValidIDs)),
	}
	for _, id := range pinmap.ValidIDs {
		v := 0
		if s.HardPower[id] {
			v = 1
		}
		rec.HardPower[strconv.Itoa(id)] = v
	}
	return rec
}

func fromRecord(rec fileRecord) SystemState {
	s := defaultState()
	s.CurrentInput = rec.CurrentInput
	// Entries missing from the file stay at the default (off).
	for key, v := range rec.HardPower {
		id, err := strconv.Atoi(key)
		if err != nil || !pinmap.IsValidID(id) {
			continue
		}
		s.HardPower[id] = v == 1
	}
	return s
}

// ChangeFunc is called with a copy of the record after every mutation.
type ChangeFunc func(SystemState)

// Store guards the record with one mutex spanning the full
// read-modify-persist cycle, so mutations are linearizable and the file is
// always a complete serialization of one coherent state value.
type Store struct {
	mu       sync.Mutex
	path     string
	st       SystemState
	onChange ChangeFunc
}

// LoadOrInit reads the record at path, creating it with the default record
// (no input, all relays off) when absent. A malformed existing file is an
// error: the record is not silently discarded.
func LoadOrInit(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read state file %s: %w", path, err)
		}
		s.st = defaultState()
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	s.st = fromRecord(rec)
	return s, nil
}

// persistLocked writes the whole file fresh. Callers must hold mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(toRecord(s.st), "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state file %s: %w", s.path, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write state file %s: %w", s.path, err)
	}
	return nil
}

// mutate applies fn, persists, and notifies the change callback. A persist
// failure is returned but the in-memory mutation is retained: the action
// physically happened, durability is best-effort.
func (s *Store) mutate(fn func(*SystemState)) error {
	s.mu.Lock()
	fn(&s.st)
	err := s.persistLocked()
	snap := s.st.clone()
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
	return err
}

// RecordInput records id as the current input selection.
func (s *Store) RecordInput(id int) error {
	return s.mutate(func(st *SystemState) {
		v := id
		st.CurrentInput = &v
	})
}

// RecordHardPower records the hard-power relay for id as on or off.
func (s *Store) RecordHardPower(id int, on bool) error {
	return s.mutate(func(st *SystemState) {
		st.HardPower[id] = on
	})
}

// Reset clears the record back to the just-started default and persists.
func (s *Store) Reset() error {
	return s.mutate(func(st *SystemState) {
		*st = defaultState()
	})
}

// Snapshot returns a copy of the current record without touching disk.
func (s *Store) Snapshot() SystemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.clone()
}

// SetChangeCallback registers a callback invoked (outside the lock) with a
// copy of the record after every mutation. Used by push consumers.
func (s *Store) SetChangeCallback(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}
