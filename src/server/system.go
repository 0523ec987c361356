package server

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

// GetOsRelease reads /etc/os-release and returns the distribution ID
func GetOsRelease() string {
	file, err := os.Open("/etc/os-release")
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ID=") {
			// ID=debian or ID="debian"
			id := strings.TrimPrefix(line, "ID=")
			id = strings.Trim(id, "\"")
			return strings.ToLower(id)
		}
	}
	return ""
}

// IsControlNode checks whether this host looks like a NanoKVM control
// node: the expander's I2C bus device exists and the OS is the node image.
func IsControlNode(busPath string) bool {
	_, err := os.Stat(busPath)
	if err != nil && os.IsNotExist(err) {
		return false
	}

	return GetOsRelease() == "ubuntu"
}

// FormatUptime formats a duration into a human-readable string
func FormatUptime(duration time.Duration) string {
	totalSeconds := int(duration.Seconds())
	days := totalSeconds / 86400
	hours := (totalSeconds % 86400) / 3600
	minutes := (totalSeconds % 3600) / 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else {
		return fmt.Sprintf("%dm", minutes)
	}
}
