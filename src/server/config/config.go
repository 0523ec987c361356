// Package config resolves the runtime configuration from three layers:
// baked-in defaults, an optional YAML config file, and environment
// variables (highest precedence). A .env.local file is honored for local
// development.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/andrewthetechie/nanokvm-control-api/src/server/expander"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/pinmap"
)

const (
	prodConfigDir  = "/var/lib/nanokvm-control"
	configFileName = "config.yaml"
)

// Pin tables use the "id,pin,level;..." triple format. The defaults place
// the input and soft-power lines on the expander's eight pins; the
// hard-power defaults deliberately point past the expander and must be
// reconfigured on boards that actually wire the relays.
const (
	defaultInputConfig = "1,0,0;2,1,0;3,2,0;4,3,0"
	defaultSoftConfig  = "1,4,0;2,5,0;3,6,0;4,7,0"
	defaultHardConfig  = "1,8,0;2,9,0;3,10,0;4,11,0"
)

// fileConfig is the optional on-disk config. Every field may be overridden
// by the matching environment variable.
type fileConfig struct {
	ServerHost         string  `yaml:"server_host,omitempty"`
	ServerPort         int     `yaml:"server_port,omitempty"`
	TCPPort            string  `yaml:"tcp_port,omitempty"`
	ServeExternally    bool    `yaml:"serve_externally,omitempty"`
	DeviceType         string  `yaml:"type,omitempty"`
	ButtonPressDelayMs float64 `yaml:"button_press_delay_ms,omitempty"`
	HardPowerDelayMs   float64 `yaml:"hard_power_delay_ms,omitempty"`
	SoftPowerShortMs   float64 `yaml:"soft_power_short_press_ms,omitempty"`
	SoftPowerLongMs    float64 `yaml:"soft_power_long_press_ms,omitempty"`
	StateStoragePath   string  `yaml:"state_storage_path,omitempty"`
	I2CBus             string  `yaml:"usb_i2c_bus,omitempty"`
	I2CAddress         string  `yaml:"usb_i2c_address,omitempty"`
	InputConfig        string  `yaml:"input_config,omitempty"`
	PowerSoftConfig    string  `yaml:"power_soft_config,omitempty"`
	PowerHardConfig    string  `yaml:"power_hard_config,omitempty"`
}

// Config is the resolved runtime configuration.
type Config struct {
	ServerHost      string
	ServerPort      int
	TCPPort         string
	ServeExternally bool
	DeviceType      string

	ButtonPressDelay    time.Duration
	HardPowerDelay      time.Duration
	SoftPowerShortPress time.Duration // reserved for the soft-power path
	SoftPowerLongPress  time.Duration // reserved for the soft-power path

	StatePath string

	I2CBus  string
	I2CAddr uint16

	InputPins pinmap.Table
	SoftPins  pinmap.Table
	HardPins  pinmap.Table
}

// Load resolves the configuration. The only hard failure is an I2C address
// that cannot be parsed; everything else falls back to defaults.
func Load() (Config, error) {
	// .env.local mirrors how node deployments inject settings during
	// development; a missing file is fine.
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		log.Printf("config: skipping .env.local: %v", err)
	}

	fc := loadFile()

	addrStr := envString("USB_I2C_ADDRESS", fc.I2CAddress, "0x20")
	addr, err := expander.ParseAddr(addrStr)
	if err != nil {
		return Config{}, fmt.Errorf("USB_I2C_ADDRESS: %w", err)
	}

	cfg := Config{
		ServerHost:      envString("SERVER_HOST", fc.ServerHost, "0.0.0.0"),
		ServerPort:      envInt("SERVER_PORT", fc.ServerPort, 8000),
		TCPPort:         envString("TCP_PORT", fc.TCPPort, "9081"),
		ServeExternally: envBool("SERVE_EXTERNALLY", fc.ServeExternally),
		DeviceType:      envString("NODE_TYPE", fc.DeviceType, ""),

		ButtonPressDelay:    envMillis("BUTTON_PRESS_DELAY_MS", fc.ButtonPressDelayMs, 50),
		HardPowerDelay:      envMillis("HARD_POWER_DELAY_MS", fc.HardPowerDelayMs, 50),
		SoftPowerShortPress: envMillis("SOFT_POWER_SHORT_PRESS_MS", fc.SoftPowerShortMs, 50),
		SoftPowerLongPress:  envMillis("SOFT_POWER_LONG_PRESS_MS", fc.SoftPowerLongMs, 120),

		StatePath: envString("STATE_STORAGE_PATH", fc.StateStoragePath, "./state.json"),

		I2CBus:  envString("USB_I2C_BUS", fc.I2CBus, "/dev/i2c-5"),
		I2CAddr: addr,

		InputPins: pinmap.ParseTable(envString("INPUT_CONFIG", fc.InputConfig, defaultInputConfig)),
		SoftPins:  pinmap.ParseTable(envString("POWER_SOFT_CONFIG", fc.PowerSoftConfig, defaultSoftConfig)),
		HardPins:  pinmap.ParseTable(envString("POWER_HARD_CONFIG", fc.PowerHardConfig, defaultHardConfig)),
	}
	return cfg, nil
}

// getConfigPath prefers NANOKVM_CONFIG_DIR, then the production directory
// when it exists and is writable, then ./tmp.
func getConfigPath() string {
	if dir := os.Getenv("NANOKVM_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, configFileName)
	}
	if info, err := os.Stat(prodConfigDir); err == nil && info.IsDir() {
		testFile := filepath.Join(prodConfigDir, ".write_test")
		if f, err := os.Create(testFile); err == nil {
			f.Close()
			os.Remove(testFile)
			return filepath.Join(prodConfigDir, configFileName)
		}
	}
	return filepath.Join("tmp", configFileName)
}

// loadFile reads the YAML config, writing a template with the hardware
// defaults on first run so the knobs are discoverable on the node.
func loadFile() fileConfig {
	var fc fileConfig

	path := getConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := saveFile(path, defaultFileConfig()); err != nil {
				log.Printf("config: could not write default %s: %v", path, err)
			}
			return defaultFileConfig()
		}
		log.Printf("config: could not read %s: %v", path, err)
		return fc
	}

	if err := yaml.Unmarshal(data, &fc); err != nil {
		log.Printf("config: malformed %s, ignoring: %v", path, err)
		return fileConfig{}
	}
	return fc
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		I2CBus:          "/dev/i2c-5",
		I2CAddress:      "0x20",
		InputConfig:     defaultInputConfig,
		PowerSoftConfig: defaultSoftConfig,
		PowerHardConfig: defaultHardConfig,
	}
}

func saveFile(path string, fc fileConfig) error {
	data, err := yaml.Marshal(&fc)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func envString(key, fileVal, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if fileVal != "" {
		return fileVal
	}
	return def
}

func envInt(key string, fileVal, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if fileVal != 0 {
		return fileVal
	}
	return def
}

func envBool(key string, fileVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fileVal
}

// envMillis reads a delay in (possibly fractional) milliseconds.
func envMillis(key string, fileVal, def float64) time.Duration {
	ms := def
	if fileVal != 0 {
		ms = fileVal
	}
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			ms = f
		}
	}
	return time.Duration(ms * float64(time.Millisecond))
}
