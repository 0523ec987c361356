package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/andrewthetechie/nanokvm-control-api/src/server"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/config"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/control"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/discovery"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/expander"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/pinmap"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/state"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/tcp"

	"github.com/gorilla/mux"
)

const version = "1.0.0"

type App struct {
	engine    *control.Engine
	store     *state.Store
	tcpServer *tcp.TCPServer
	startTime time.Time
}

// NewApp wires the shared expander, state store and engine. The driver is
// fatal when absent: a control node without its expander cannot serve.
func NewApp(cfg config.Config) (*App, error) {
	store, err := state.LoadOrInit(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("init state store: %w", err)
	}
	log.Printf("state store ready at %s", cfg.StatePath)

	dev, err := expander.Open(cfg.I2CBus, cfg.I2CAddr)
	if err != nil {
		return nil, fmt.Errorf("init expander: %w", err)
	}
	log.Printf("expander ready on %s at 0x%02X", cfg.I2CBus, cfg.I2CAddr)

	engine := control.New(dev, store, cfg.InputPins, cfg.SoftPins, cfg.HardPins,
		cfg.ButtonPressDelay, cfg.HardPowerDelay)

	deviceType := discovery.GetDeviceType(cfg.I2CBus, cfg.DeviceType)
	tcpServer := tcp.NewTCPServer(cfg.TCPPort, engine, version, deviceType, cfg.ServeExternally)
	if err := tcpServer.Start(); err != nil {
		log.Printf("Warning: Failed to start automation socket: %v", err)
	} else {
		store.SetChangeCallback(tcpServer.NotifyState)
	}

	return &App{
		engine:    engine,
		store:     store,
		tcpServer: tcpServer,
		startTime: time.Now(),
	}, nil
}

// newTestApp builds an App over injected collaborators, for handler tests.
func newTestApp(engine *control.Engine, store *state.Store) *App {
	return &App{engine: engine, store: store, startTime: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeActuationError maps the engine error taxonomy onto HTTP statuses:
// caller mistakes are 400s, config defects and device/persistence failures
// are 500s. No error here poisons the process.
func writeActuationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pinmap.ErrInvalidID),
		errors.Is(err, pinmap.ErrUnconfigured),
		errors.Is(err, control.ErrInvalidAction),
		errors.Is(err, control.ErrInvalidKind):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		log.Printf("actuation failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (app *App) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "nanokvm-control-api",
		"version": version,
		"uptime":  server.FormatUptime(time.Since(app.startTime)),
	})
}

func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

func (app *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, control.StatusFromState(app.engine.Status()))
}

// resetHandler clears the state record back to the just-started default.
func (app *App) resetHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.store.Reset(); err != nil {
		log.Printf("state reset failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (app *App) inputHandler(w http.ResponseWriter, r *http.Request) {
	id, err := pinmap.ParseID(mux.Vars(r)["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := app.engine.SelectInput(id); err != nil {
		writeActuationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": fmt.Sprintf("input %d selected", id)})
}

func (app *App) powerHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	kind := pinmap.Kind(vars["kind"])
	if kind != pinmap.KindSoftPower && kind != pinmap.KindHardPower {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid power kind: %s", vars["kind"])})
		return
	}

	id, err := pinmap.ParseID(vars["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	actionParam := r.URL.Query().Get("action")
	if actionParam == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing required 'action' query parameter"})
		return
	}
	action, err := control.ParseAction(actionParam)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := app.engine.ActuatePower(kind, id, action); err != nil {
		writeActuationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": fmt.Sprintf("power %s %s triggered for %d", kind, action, id),
	})
}

func (app *App) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/", app.rootHandler).Methods("GET")
	r.HandleFunc("/health", app.healthHandler).Methods("GET")
	r.HandleFunc("/status", app.statusHandler).Methods("GET")
	r.HandleFunc("/status/reset", app.resetHandler).Methods("POST")
	r.HandleFunc("/input/{id}", app.inputHandler).Methods("POST", "PUT")
	r.HandleFunc("/power/{kind}/{id}", app.powerHandler).Methods("POST", "PUT")

	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("initialisation error: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	fmt.Printf("NanoKVM Control API %s starting on %s\n", version, addr)
	log.Fatal(http.ListenAndServe(addr, app.routes()))
}
