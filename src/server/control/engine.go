// Package control sequences the timed pulses that actuate the KVM's switch
// lines and commits the observable result to the state store. Each request
// runs one short-lived sequence: resolve, assert, hold, release, commit.
package control

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/andrewthetechie/nanokvm-control-api/src/server/expander"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/pinmap"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/state"
)

// Action is a power operation requested by the caller.
type Action string

const (
	ActionOn     Action = "on"
	ActionOff    Action = "off"
	ActionToggle Action = "toggle"
)

var (
	ErrInvalidAction = errors.New("action must be 'on', 'off', or 'toggle'")
	ErrInvalidKind   = errors.New("power kind must be 'soft' or 'hard'")
)

// ParseAction parses a power action case-insensitively.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case ActionOn, ActionOff, ActionToggle:
		return a, nil
	default:
		return "", fmt.Errorf("%w: got %q", ErrInvalidAction, s)
	}
}

// Engine drives the expander through timed pulse sequences. The device
// mutex covers one physical write, not a whole pulse: while one request
// sleeps between its assert and release writes, another request's writes
// may land on other pins. State commits happen strictly after all device
// writes, so the persisted record never reflects an action whose hardware
// writes did not complete.
type Engine struct {
	inputs pinmap.Table
	soft   pinmap.Table
	hard   pinmap.Table

	dev   expander.Driver
	store *state.Store

	buttonPressDelay time.Duration
	hardPowerDelay   time.Duration

	sleep func(time.Duration)
}

// New creates an engine over the shared driver and store.
func New(dev expander.Driver, store *state.Store, inputs, soft, hard pinmap.Table, buttonPressDelay, hardPowerDelay time.Duration) *Engine {
	return &Engine{
		inputs:           inputs,
		soft:             soft,
		hard:             hard,
		dev:              dev,
		store:            store,
		buttonPressDelay: buttonPressDelay,
		hardPowerDelay:   hardPowerDelay,
		sleep:            time.Sleep,
	}
}

// resolve validates the id and pin range before any bus I/O.
func (e *Engine) resolve(t pinmap.Table, id int) (pinmap.PinConfig, error) {
	if !pinmap.IsValidID(id) {
		return pinmap.PinConfig{}, pinmap.ErrInvalidID
	}
	cfg, err := t.Resolve(id)
	if err != nil {
		return pinmap.PinConfig{}, err
	}
	if cfg.Pin >= expander.PinCount {
		return pinmap.PinConfig{}, fmt.Errorf("%w: id %d mapped to pin %d", expander.ErrInvalidPin, id, cfg.Pin)
	}
	return cfg, nil
}

// SelectInput pulses the momentary input-selector button for id: assert,
// hold for the button-press delay, release, then record the selection.
func (e *Engine) SelectInput(id int) error {
	cfg, err := e.resolve(e.inputs, id)
	if err != nil {
		return err
	}

	if err := e.dev.SetLevel(cfg.Pin, cfg.AssertedLevel); err != nil {
		return err
	}
	e.sleep(e.buttonPressDelay)
	if err := e.dev.SetLevel(cfg.Pin, cfg.ReleasedLevel()); err != nil {
		return err
	}

	if err := e.store.RecordInput(id); err != nil {
		return err
	}
	log.Printf("input %d selected", id)
	return nil
}

// ActuatePower dispatches a power action for the given kind of line.
func (e *Engine) ActuatePower(kind pinmap.Kind, id int, action Action) error {
	switch kind {
	case pinmap.KindSoftPower:
		return e.softPower(id, action)
	case pinmap.KindHardPower:
		return e.hardPower(id, action)
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidKind, kind)
	}
}

// softPower is a stub: upstream has not specified the soft power-button
// press sequence yet. It validates the id, performs no device write and no
// state commit. Real hardware support slots into the same
// assert/hold/release steps hardPower uses for toggle.
func (e *Engine) softPower(id int, action Action) error {
	if !pinmap.IsValidID(id) {
		return pinmap.ErrInvalidID
	}
	if _, err := ParseAction(string(action)); err != nil {
		return err
	}
	log.Printf("soft power %s triggered for %d (stubbed)", action, id)
	return nil
}

// hardPower drives the bistable relay line for id. on/off write the final
// resting level directly; toggle is a two-phase pulse (inverse level, hold,
// asserted level) and always records the relay as on.
func (e *Engine) hardPower(id int, action Action) error {
	if _, err := ParseAction(string(action)); err != nil {
		return err
	}
	cfg, err := e.resolve(e.hard, id)
	if err != nil {
		return err
	}

	switch action {
	case ActionOn:
		if err := e.dev.SetLevel(cfg.Pin, cfg.AssertedLevel); err != nil {
			return err
		}
	case ActionOff:
		if err := e.dev.SetLevel(cfg.Pin, cfg.AssertedLevel.Invert()); err != nil {
			return err
		}
	case ActionToggle:
		if err := e.dev.SetLevel(cfg.Pin, cfg.AssertedLevel.Invert()); err != nil {
			return err
		}
		e.sleep(e.hardPowerDelay)
		if err := e.dev.SetLevel(cfg.Pin, cfg.AssertedLevel); err != nil {
			return err
		}
	}

	if err := e.store.RecordHardPower(id, action != ActionOff); err != nil {
		return err
	}
	log.Printf("hard power %s triggered for %d", action, id)
	return nil
}

// Status returns the logical record. It delegates to the store snapshot
// and never reads hardware back.
func (e *Engine) Status() state.SystemState {
	return e.store.Snapshot()
}
