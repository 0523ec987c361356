// Package pinmap holds the static mapping from logical channel ids (1-4)
// to expander pins and polarities. Tables are built once from config at
// startup and treated as immutable afterwards.
package pinmap

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/andrewthetechie/nanokvm-control-api/src/server/expander"
)

// Kind selects which switch line a request targets.
type Kind string

const (
	KindInput     Kind = "input"
	KindSoftPower Kind = "soft"
	KindHardPower Kind = "hard"
)

// ValidIDs is the closed set of logical channel ids. Every externally
// accepted id must be a member; the persisted state is indexed by it.
var ValidIDs = [4]int{1, 2, 3, 4}

var (
	ErrInvalidID    = errors.New("id must be integer 1-4")
	ErrUnconfigured = errors.New("id not configured")
)

// IsValidID reports whether id is in the valid set.
func IsValidID(id int) bool { return id >= 1 && id <= 4 }

// ParseID parses a decimal id from a request path and validates it.
func ParseID(s string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || !IsValidID(id) {
		return 0, ErrInvalidID
	}
	return id, nil
}

// PinConfig maps one logical id to a physical pin. AssertedLevel is the
// level written while the line is active (button pushed / relay on).
type PinConfig struct {
	Pin           uint8
	AssertedLevel expander.Level
}

// ReleasedLevel is the idle level of a momentary line.
func (c PinConfig) ReleasedLevel() expander.Level { return c.AssertedLevel.Invert() }

// Table maps logical ids to pin configs for one kind of line. Config may
// legitimately omit ids; resolving those fails with ErrUnconfigured.
type Table map[int]PinConfig

// Resolve looks up the pin config for id.
func (t Table) Resolve(id int) (PinConfig, error) {
	cfg, ok := t[id]
	if !ok {
		return PinConfig{}, fmt.Errorf("%w: id %d", ErrUnconfigured, id)
	}
	return cfg, nil
}

// ParseTable parses the upstream "id,pin,level;id,pin,level;..." triple
// format. Malformed entries are skipped; a level other than 0 or 1 falls
// back to 0 (asserted-low). Pin numbers are not range-checked here: an
// out-of-range pin is a config defect surfaced at actuation time.
func ParseTable(s string) Table {
	t := make(Table)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ",")
		if len(parts) != 3 {
			continue
		}

		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		pin, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || pin < 0 || pin > 255 {
			continue
		}

		level := expander.Low
		if v, err := strconv.Atoi(strings.TrimSpace(parts[2])); err == nil && v == 1 {
			level = expander.High
		}

		t[id] = PinConfig{Pin: uint8(pin), AssertedLevel: level}
	}
	return t
}
