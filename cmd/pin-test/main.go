// pin-test is a one-off tool to exercise a single expander pin from the
// command line. Use it during bring-up to verify wiring before pointing
// the API at a board.
//
// Build (to dist/):
//   mkdir -p dist && go build -o dist/pin-test ./cmd/pin-test
//
// Usage:
//   go run ./cmd/pin-test -pin=3 -level=low
//   go run ./cmd/pin-test -bus=/dev/i2c-5 -addr=0x20 -pin=0 -level=low -pulse-ms=50
//
// With -pulse-ms the tool writes the level, waits, then writes the inverse
// (a button press); without it the level is left as the resting state.

package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/andrewthetechie/nanokvm-control-api/src/server/expander"
)

func main() {
	bus := flag.String("bus", "/dev/i2c-5", "I2C bus device")
	addrStr := flag.String("addr", "0x20", "Expander I2C address (hex or decimal)")
	pin := flag.Int("pin", 0, "Physical pin 0-7")
	levelStr := flag.String("level", "low", "Level to write: high or low")
	pulseMs := flag.Int("pulse-ms", 0, "If > 0, hold the level this long then write the inverse")
	flag.Parse()

	addr, err := expander.ParseAddr(*addrStr)
	if err != nil {
		log.Fatalf("addr: %v", err)
	}
	if *pin < 0 || *pin >= expander.PinCount {
		log.Fatalf("pin must be 0-%d, got %d", expander.PinCount-1, *pin)
	}

	var level expander.Level
	switch *levelStr {
	case "high":
		level = expander.High
	case "low":
		level = expander.Low
	default:
		log.Fatalf("level must be 'high' or 'low', got %q", *levelStr)
	}

	dev, err := expander.Open(*bus, addr)
	if err != nil {
		log.Fatalf("open expander: %v", err)
	}
	defer dev.Close()

	if err := dev.SetLevel(uint8(*pin), level); err != nil {
		log.Fatalf("write pin %d: %v", *pin, err)
	}
	log.Printf("pin %d set %s on %s at 0x%02X", *pin, level, *bus, addr)

	if *pulseMs > 0 {
		time.Sleep(time.Duration(*pulseMs) * time.Millisecond)
		if err := dev.SetLevel(uint8(*pin), level.Invert()); err != nil {
			log.Fatalf("release pin %d: %v", *pin, err)
		}
		log.Printf("pin %d released %s after %dms", *pin, level.Invert(), *pulseMs)
	}

	fmt.Println("Done.")
}
