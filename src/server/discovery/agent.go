package discovery

import (
	"sync"

	"github.com/andrewthetechie/nanokvm-control-api/src/server"
)

var (
	deviceType     string
	deviceTypeOnce sync.Once
)

// GetDeviceType returns the device type (nanokvm or generic-node).
// The result is cached after the first call for performance
func GetDeviceType(busPath, override string) string {
	deviceTypeOnce.Do(func() {
		deviceType = "generic-node"
		if server.IsControlNode(busPath) {
			deviceType = "nanokvm"
		}

		// Config override
		if override != "" {
			deviceType = override
		}
	})
	return deviceType
}
