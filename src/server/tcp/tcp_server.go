// Package tcp exposes the automation socket: a line-delimited JSON channel
// that pushes the logical KVM state to one connected automation client and
// accepts batched control commands from it.
package tcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/andrewthetechie/nanokvm-control-api/src/server/control"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/pinmap"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/state"
)

// TCPServer manages the automation client connection. Only one client is
// served at a time; a new connection replaces the previous one.
type TCPServer struct {
	listener   net.Listener
	clientConn *ClientConnection
	mu         sync.RWMutex
	engine     *control.Engine
	stopChan   chan struct{}
	port       string
	version    string
	deviceType string
	localOnly  bool // If true, only accept connections from localhost
}

// ClientConnection represents a connected automation client
type ClientConnection struct {
	conn    net.Conn
	encoder *json.Encoder
	mu      sync.Mutex
}

// WelcomeMessage is sent to clients when they connect
type WelcomeMessage struct {
	Type        string `json:"type"`
	Server      string `json:"server"`
	Version     string `json:"version,omitempty"`
	DeviceType  string `json:"deviceType,omitempty"`
	Protocol    string `json:"protocol"`
	Description string `json:"description"`
}

// StatusMessage pushes the logical state to the client. It is sent on
// connect and after every state change.
type StatusMessage struct {
	Type   string                 `json:"type"`
	Status control.StatusResponse `json:"status"`
}

// CommandItem represents a single command in the commands array
type CommandItem struct {
	Type   string `json:"type"` // "select-input" or "power"
	ID     int    `json:"id"`
	Kind   string `json:"kind,omitempty"`   // For power: "soft" or "hard"
	Action string `json:"action,omitempty"` // For power: "on", "off", "toggle"
}

// CommandMessage is received from clients - always contains an array of commands
type CommandMessage struct {
	Type     string        `json:"type"` // Always "command"
	Commands []CommandItem `json:"commands"`
}

// CommandResult represents the result of a single command in a batch
type CommandResult struct {
	Index   int    `json:"index"`
	Status  string `json:"status"` // "ok" or "error"
	Message string `json:"message,omitempty"`
}

// CommandResponse is sent back to clients
type CommandResponse struct {
	Type    string          `json:"type"`   // "command-response"
	Status  string          `json:"status"` // "ok" or "error"
	Results []CommandResult `json:"results,omitempty"`
	Message string          `json:"message,omitempty"`
}

// NewTCPServer creates a new automation socket server
func NewTCPServer(port string, engine *control.Engine, version, deviceType string, serveExternally bool) *TCPServer {
	return &TCPServer{
		engine:     engine,
		stopChan:   make(chan struct{}),
		port:       port,
		version:    version,
		deviceType: deviceType,
		localOnly:  !serveExternally,
	}
}

// Start starts the automation socket server
func (s *TCPServer) Start() error {
	var addr string
	if s.localOnly {
		addr = "127.0.0.1:" + s.port
	} else {
		addr = "0.0.0.0:" + s.port
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start automation socket on %s: %v", addr, err)
	}

	s.listener = listener
	if s.localOnly {
		log.Printf("automation socket listening on %s (localhost only)", listener.Addr())
	} else {
		log.Printf("automation socket listening on %s (all interfaces)", listener.Addr())
	}

	go s.acceptLoop()
	return nil
}

// Stop stops the server and disconnects any client.
func (s *TCPServer) Stop() {
	close(s.stopChan)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	if s.clientConn != nil {
		s.clientConn.conn.Close()
		s.clientConn = nil
	}
	s.mu.Unlock()
}

// Addr returns the bound listener address, for logging and tests.
func (s *TCPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// IsConnected reports whether an automation client is connected.
func (s *TCPServer) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientConn != nil
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
				log.Printf("automation socket accept error: %v", err)
				continue
			}
		}

		client := &ClientConnection{
			conn:    conn,
			encoder: json.NewEncoder(conn),
		}

		// A new client replaces any existing one.
		s.mu.Lock()
		if s.clientConn != nil {
			log.Printf("automation client %s replaced by %s", s.clientConn.conn.RemoteAddr(), conn.RemoteAddr())
			s.clientConn.conn.Close()
		}
		s.clientConn = client
		s.mu.Unlock()

		go s.handleClient(client)
	}
}

func (s *TCPServer) handleClient(client *ClientConnection) {
	defer func() {
		client.conn.Close()
		s.mu.Lock()
		if s.clientConn == client {
			s.clientConn = nil
		}
		s.mu.Unlock()
		log.Printf("automation client %s disconnected", client.conn.RemoteAddr())
	}()

	log.Printf("automation client connected from %s", client.conn.RemoteAddr())

	welcome := WelcomeMessage{
		Type:        "welcome",
		Server:      "nanokvm-control-api",
		Version:     s.version,
		DeviceType:  s.deviceType,
		Protocol:    "jsonl",
		Description: "KVM input/power control; send {\"type\":\"command\",\"commands\":[...]}",
	}
	if err := client.send(welcome); err != nil {
		return
	}
	if err := client.send(s.statusMessage()); err != nil {
		return
	}

	scanner := bufio.NewScanner(client.conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg CommandMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			client.send(CommandResponse{Type: "command-response", Status: "error", Message: "invalid JSON"})
			continue
		}
		if msg.Type != "command" {
			client.send(CommandResponse{Type: "command-response", Status: "error",
				Message: fmt.Sprintf("unknown message type %q", msg.Type)})
			continue
		}

		results := s.execute(msg.Commands)
		status := "ok"
		for _, r := range results {
			if r.Status == "error" {
				status = "error"
				break
			}
		}
		if err := client.send(CommandResponse{Type: "command-response", Status: status, Results: results}); err != nil {
			return
		}
	}
}

// execute runs a command batch against the engine. Each command succeeds
// or fails independently; a failed command does not stop the batch.
func (s *TCPServer) execute(cmds []CommandItem) []CommandResult {
	results := make([]CommandResult, len(cmds))
	for i, cmd := range cmds {
		results[i] = CommandResult{Index: i, Status: "ok"}

		var err error
		switch cmd.Type {
		case "select-input":
			err = s.engine.SelectInput(cmd.ID)
		case "power":
			var action control.Action
			action, err = control.ParseAction(cmd.Action)
			if err == nil {
				err = s.engine.ActuatePower(pinmap.Kind(cmd.Kind), cmd.ID, action)
			}
		default:
			err = fmt.Errorf("unknown command type %q", cmd.Type)
		}

		if err != nil {
			results[i] = CommandResult{Index: i, Status: "error", Message: err.Error()}
		}
	}
	return results
}

func (s *TCPServer) statusMessage() StatusMessage {
	return StatusMessage{Type: "status", Status: control.StatusFromState(s.engine.Status())}
}

// NotifyState pushes a state change to the connected client, if any. Wired
// to the state store's change callback.
func (s *TCPServer) NotifyState(st state.SystemState) {
	s.mu.RLock()
	client := s.clientConn
	s.mu.RUnlock()
	if client == nil {
		return
	}

	msg := StatusMessage{Type: "status", Status: control.StatusFromState(st)}
	if err := client.send(msg); err != nil {
		log.Printf("automation socket push failed: %v", err)
	}
}

func (c *ClientConnection) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoder.Encode(v)
}
