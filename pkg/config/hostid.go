package config

import (
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// HostIdentifier returns the name this device reports as its client id:
// the hostname as seen by gopsutil, then os.Hostname, then "unknown-host".
func HostIdentifier() string {
	if info, err := host.Info(); err == nil {
		if h := strings.TrimSpace(info.Hostname); h != "" {
			return h
		}
	}
	if h, err := os.Hostname(); err == nil && strings.TrimSpace(h) != "" {
		return strings.TrimSpace(h)
	}
	return "unknown-host"
}
