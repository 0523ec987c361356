package control

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andrewthetechie/nanokvm-control-api/src/server/expander"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/pinmap"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/state"
)

type pinWrite struct {
	pin   uint8
	level expander.Level
}

// fakeDriver records writes and can fail the nth one. Like the real driver
// it holds its lock for the whole write, never across a pulse hold.
type fakeDriver struct {
	mu     sync.Mutex
	writes []pinWrite
	failOn int // 1-based write index to fail, 0 = never
	calls  int
}

func (f *fakeDriver) SetLevel(pin uint8, level expander.Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failOn != 0 && f.calls == f.failOn {
		return fmt.Errorf("i2c write failed (write %d)", f.calls)
	}
	f.writes = append(f.writes, pinWrite{pin, level})
	return nil
}

func newTestEngine(t *testing.T, dev expander.Driver) (*Engine, *state.Store, *[]string) {
	t.Helper()
	store, err := state.LoadOrInit(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}

	inputs := pinmap.ParseTable("1,0,0;2,1,0;3,2,0;4,3,0")
	soft := pinmap.ParseTable("1,4,0;2,5,0")
	hard := pinmap.ParseTable("1,6,1;2,7,1;3,8,0")

	e := New(dev, store, inputs, soft, hard, 50*time.Millisecond, 80*time.Millisecond)

	var sleeps []string
	e.sleep = func(d time.Duration) { sleeps = append(sleeps, d.String()) }
	return e, store, &sleeps
}

func TestSelectInputPulse(t *testing.T) {
	dev := &fakeDriver{}
	e, store, sleeps := newTestEngine(t, dev)

	if err := e.SelectInput(2); err != nil {
		t.Fatalf("SelectInput failed: %v", err)
	}

	// Exactly two writes: assert then release on the mapped pin.
	want := []pinWrite{{1, expander.Low}, {1, expander.High}}
	if len(dev.writes) != 2 || dev.writes[0] != want[0] || dev.writes[1] != want[1] {
		t.Errorf("Writes = %v; want %v", dev.writes, want)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != "50ms" {
		t.Errorf("Sleeps = %v; want one 50ms hold", *sleeps)
	}

	snap := store.Snapshot()
	if snap.CurrentInput == nil || *snap.CurrentInput != 2 {
		t.Errorf("CurrentInput = %v; want 2", snap.CurrentInput)
	}
}

func TestInvalidIDRejectedEverywhere(t *testing.T) {
	dev := &fakeDriver{}
	e, store, _ := newTestEngine(t, dev)
	before := store.Snapshot()

	for _, id := range []int{0, 5, -1, 42} {
		if err := e.SelectInput(id); !errors.Is(err, pinmap.ErrInvalidID) {
			t.Errorf("SelectInput(%d) = %v; want ErrInvalidID", id, err)
		}
		for _, kind := range []pinmap.Kind{pinmap.KindSoftPower, pinmap.KindHardPower} {
			if err := e.ActuatePower(kind, id, ActionOn); !errors.Is(err, pinmap.ErrInvalidID) {
				t.Errorf("ActuatePower(%s, %d) = %v; want ErrInvalidID", kind, id, err)
			}
		}
	}

	if len(dev.writes) != 0 {
		t.Errorf("Expected zero physical writes, got %v", dev.writes)
	}
	after := store.Snapshot()
	if after.CurrentInput != before.CurrentInput || after.HardPower[1] != before.HardPower[1] {
		t.Error("Expected no state mutation for invalid ids")
	}
}

func TestUnconfiguredIDRejectedBeforeDevice(t *testing.T) {
	dev := &fakeDriver{}
	e, _, _ := newTestEngine(t, dev)

	// Id 4 is valid but has no hard-power mapping in the test table.
	if err := e.ActuatePower(pinmap.KindHardPower, 4, ActionOn); !errors.Is(err, pinmap.ErrUnconfigured) {
		t.Errorf("Expected ErrUnconfigured, got %v", err)
	}
	if len(dev.writes) != 0 {
		t.Errorf("Expected zero physical writes, got %v", dev.writes)
	}
}

func TestOutOfRangePinRejectedBeforeDevice(t *testing.T) {
	dev := &fakeDriver{}
	e, _, _ := newTestEngine(t, dev)

	// Id 3 maps to pin 8 in the hard table, a config defect.
	if err := e.ActuatePower(pinmap.KindHardPower, 3, ActionOn); !errors.Is(err, expander.ErrInvalidPin) {
		t.Errorf("Expected ErrInvalidPin, got %v", err)
	}
	if len(dev.writes) != 0 {
		t.Errorf("Expected zero physical writes, got %v", dev.writes)
	}
}

func TestHardPowerOnOff(t *testing.T) {
	dev := &fakeDriver{}
	e, store, sleeps := newTestEngine(t, dev)

	// Hard line 1 is asserted-high: on writes high, off writes low. Both
	// are single-level writes with no hold and no release phase.
	if err := e.ActuatePower(pinmap.KindHardPower, 1, ActionOn); err != nil {
		t.Fatalf("on failed: %v", err)
	}
	if len(dev.writes) != 1 || dev.writes[0] != (pinWrite{6, expander.High}) {
		t.Errorf("Writes after on = %v; want [{6 high}]", dev.writes)
	}
	if !store.Snapshot().HardPower[1] {
		t.Error("Expected hard power 1 recorded on")
	}

	if err := e.ActuatePower(pinmap.KindHardPower, 1, ActionOff); err != nil {
		t.Fatalf("off failed: %v", err)
	}
	if len(dev.writes) != 2 || dev.writes[1] != (pinWrite{6, expander.Low}) {
		t.Errorf("Writes after off = %v; want {6 low} appended", dev.writes)
	}
	if store.Snapshot().HardPower[1] {
		t.Error("Expected hard power 1 recorded off")
	}

	if len(*sleeps) != 0 {
		t.Errorf("on/off must not hold; got sleeps %v", *sleeps)
	}
}

func TestHardPowerToggle(t *testing.T) {
	dev := &fakeDriver{}
	e, store, sleeps := newTestEngine(t, dev)

	if err := e.ActuatePower(pinmap.KindHardPower, 2, ActionToggle); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}

	// Two-phase pulse: inverse of the asserted level first, then the
	// asserted level, separated by the hard-power delay.
	want := []pinWrite{{7, expander.Low}, {7, expander.High}}
	if len(dev.writes) != 2 || dev.writes[0] != want[0] || dev.writes[1] != want[1] {
		t.Errorf("Writes = %v; want %v", dev.writes, want)
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != "80ms" {
		t.Errorf("Sleeps = %v; want one 80ms hold", *sleeps)
	}
	if !store.Snapshot().HardPower[2] {
		t.Error("Toggle must record the relay as on")
	}
}

func TestInvalidActionRejected(t *testing.T) {
	dev := &fakeDriver{}
	e, _, _ := newTestEngine(t, dev)

	if err := e.ActuatePower(pinmap.KindHardPower, 1, Action("bounce")); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("Expected ErrInvalidAction, got %v", err)
	}
	if err := e.ActuatePower(pinmap.Kind("medium"), 1, ActionOn); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("Expected ErrInvalidKind, got %v", err)
	}
	if len(dev.writes) != 0 {
		t.Errorf("Expected zero physical writes, got %v", dev.writes)
	}
}

func TestParseActionCaseInsensitive(t *testing.T) {
	for in, want := range map[string]Action{"ON": ActionOn, "Off": ActionOff, "TOGGLE": ActionToggle} {
		got, err := ParseAction(in)
		if err != nil || got != want {
			t.Errorf("ParseAction(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseAction("push"); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("ParseAction(push) = %v; want ErrInvalidAction", err)
	}
}

func TestSoftPowerStub(t *testing.T) {
	dev := &fakeDriver{}
	e, store, _ := newTestEngine(t, dev)
	before := store.Snapshot()

	if err := e.ActuatePower(pinmap.KindSoftPower, 1, ActionOn); err != nil {
		t.Fatalf("soft power failed: %v", err)
	}

	if len(dev.writes) != 0 {
		t.Errorf("Soft power stub must not touch the device, got %v", dev.writes)
	}
	after := store.Snapshot()
	if after.CurrentInput != nil || after.HardPower[1] != before.HardPower[1] {
		t.Error("Soft power stub must not update state")
	}
}

func TestDeviceErrorLeavesStateUntouched(t *testing.T) {
	t.Run("input", func(t *testing.T) {
		dev := &fakeDriver{failOn: 1}
		e, store, _ := newTestEngine(t, dev)

		if err := e.SelectInput(1); err == nil {
			t.Fatal("Expected device error")
		}
		if snap := store.Snapshot(); snap.CurrentInput != nil {
			t.Errorf("CurrentInput = %v; want nil after failed assert", *snap.CurrentInput)
		}
	})

	t.Run("hard power", func(t *testing.T) {
		dev := &fakeDriver{failOn: 1}
		e, store, _ := newTestEngine(t, dev)

		if err := e.ActuatePower(pinmap.KindHardPower, 1, ActionOn); err == nil {
			t.Fatal("Expected device error")
		}
		if store.Snapshot().HardPower[1] {
			t.Error("Hard power state changed after failed assert")
		}
	})
}

func TestReleaseErrorSkipsCommit(t *testing.T) {
	dev := &fakeDriver{failOn: 2}
	e, store, _ := newTestEngine(t, dev)

	if err := e.SelectInput(3); err == nil {
		t.Fatal("Expected error from failed release write")
	}

	// The assert landed but the pulse did not complete: no commit.
	if store.Snapshot().CurrentInput != nil {
		t.Error("Expected no input recorded after incomplete pulse")
	}
}

func TestConcurrentPulses(t *testing.T) {
	dev := &fakeDriver{}
	store, err := state.LoadOrInit(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	inputs := pinmap.ParseTable("1,0,0;2,1,0")
	e := New(dev, store, inputs, nil, nil, 5*time.Millisecond, 5*time.Millisecond)

	// Real sleeps here: the hold happens outside the device lock, so two
	// requests' pulses may interleave at the pin level. Whatever the
	// interleaving, each pin still sees its own assert before its release
	// and both pulses complete.
	var wg sync.WaitGroup
	for _, id := range []int{1, 2} {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := e.SelectInput(id); err != nil {
				t.Errorf("SelectInput(%d) failed: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if len(dev.writes) != 4 {
		t.Fatalf("Expected 4 writes total, got %d", len(dev.writes))
	}
	for pin := uint8(0); pin <= 1; pin++ {
		var seq []expander.Level
		for _, w := range dev.writes {
			if w.pin == pin {
				seq = append(seq, w.level)
			}
		}
		if len(seq) != 2 || seq[0] != expander.Low || seq[1] != expander.High {
			t.Errorf("Pin %d sequence = %v; want assert-low then release-high", pin, seq)
		}
	}
	if store.Snapshot().CurrentInput == nil {
		t.Error("Expected an input selection recorded")
	}
}

func TestStatusFromState(t *testing.T) {
	store, err := state.LoadOrInit(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RecordHardPower(3, true); err != nil {
		t.Fatal(err)
	}

	resp := StatusFromState(store.Snapshot())
	if resp.CurrentInput != nil {
		t.Errorf("CurrentInput = %v; want nil", *resp.CurrentInput)
	}
	want := map[string]string{"1": "off", "2": "off", "3": "on", "4": "off"}
	for id, status := range want {
		if resp.HardPower[id] != status {
			t.Errorf("HardPower[%s] = %s; want %s", id, resp.HardPower[id], status)
		}
	}
}
