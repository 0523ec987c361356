package tcp

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andrewthetechie/nanokvm-control-api/src/server/control"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/expander"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/pinmap"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/state"
)

// nullDriver accepts every write; the tests here exercise the socket
// protocol, not the pulse sequencing.
type nullDriver struct {
	mu     sync.Mutex
	writes int
}

func (d *nullDriver) SetLevel(pin uint8, level expander.Level) error {
	d.mu.Lock()
	d.writes++
	d.mu.Unlock()
	return nil
}

func newTestServer(t *testing.T) (*TCPServer, *state.Store) {
	t.Helper()
	store, err := state.LoadOrInit(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}

	inputs := pinmap.ParseTable("1,0,0;2,1,0")
	hard := pinmap.ParseTable("1,6,1;2,7,1")
	engine := control.New(&nullDriver{}, store, inputs, nil, hard, time.Millisecond, time.Millisecond)

	return NewTCPServer("0", engine, "test", "nanokvm", false), store
}

func TestExecuteBatch(t *testing.T) {
	s, store := newTestServer(t)

	results := s.execute([]CommandItem{
		{Type: "select-input", ID: 2},
		{Type: "power", Kind: "hard", ID: 1, Action: "on"},
		{Type: "power", Kind: "hard", ID: 9, Action: "on"},
		{Type: "reboot"},
	})

	if len(results) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(results))
	}
	if results[0].Status != "ok" || results[1].Status != "ok" {
		t.Errorf("Valid commands failed: %+v", results[:2])
	}
	if results[2].Status != "error" {
		t.Errorf("Invalid id should fail, got %+v", results[2])
	}
	if results[3].Status != "error" {
		t.Errorf("Unknown command type should fail, got %+v", results[3])
	}

	snap := store.Snapshot()
	if snap.CurrentInput == nil || *snap.CurrentInput != 2 {
		t.Errorf("CurrentInput = %v; want 2", snap.CurrentInput)
	}
	if !snap.HardPower[1] {
		t.Error("Expected hard power 1 on")
	}
}

func TestClientSessionAndPush(t *testing.T) {
	s, store := newTestServer(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()
	store.SetChangeCallback(s.NotifyState)

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewScanner(conn)

	readMsg := func(wantType string) map[string]json.RawMessage {
		t.Helper()
		if !reader.Scan() {
			t.Fatalf("Connection closed waiting for %q: %v", wantType, reader.Err())
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(reader.Bytes(), &msg); err != nil {
			t.Fatalf("Bad JSON line %q: %v", reader.Text(), err)
		}
		var typ string
		json.Unmarshal(msg["type"], &typ)
		if typ != wantType {
			t.Fatalf("Message type = %q; want %q", typ, wantType)
		}
		return msg
	}

	readMsg("welcome")
	readMsg("status")

	// A command batch gets a response, and the state mutation triggers a
	// push before it.
	cmd := `{"type":"command","commands":[{"type":"select-input","id":1}]}` + "\n"
	if _, err := conn.Write([]byte(cmd)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	push := readMsg("status")
	var status control.StatusResponse
	if err := json.Unmarshal(push["status"], &status); err != nil {
		t.Fatalf("Bad status push: %v", err)
	}
	if status.CurrentInput == nil || *status.CurrentInput != 1 {
		t.Errorf("Pushed CurrentInput = %v; want 1", status.CurrentInput)
	}

	resp := readMsg("command-response")
	var respStatus string
	json.Unmarshal(resp["status"], &respStatus)
	if respStatus != "ok" {
		t.Errorf("Command response status = %q; want ok", respStatus)
	}
}

func TestInvalidJSONGetsErrorResponse(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	reader := bufio.NewScanner(conn)

	reader.Scan() // welcome
	reader.Scan() // initial status

	if _, err := conn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if !reader.Scan() {
		t.Fatalf("Connection closed: %v", reader.Err())
	}
	var resp CommandResponse
	if err := json.Unmarshal(reader.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response: %v", err)
	}
	if resp.Status != "error" || resp.Type != "command-response" {
		t.Errorf("Expected error response, got %+v", resp)
	}
}
