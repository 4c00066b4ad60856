package gps

import (
	"strings"

	"github.com/shirou/gopsutil/host"
	gnet "github.com/shirou/gopsutil/net"
)

// DeviceStatus is the device-level metadata attached to samples originating
// from this host. The privacy filter strips it before fan-out.
type DeviceStatus struct {
	NetworkType string
	Platform    string
}

// Status snapshots the host's platform and active network interface. Failures
// leave the corresponding field empty; a sample without metadata is fine.
func Status() DeviceStatus {
	var status DeviceStatus

	if info, err := host.Info(); err == nil {
		status.Platform = info.Platform
	}

	if ifaces, err := gnet.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Name == "lo" || !hasFlag(iface.Flags, "up") {
				continue
			}
			status.NetworkType = classifyInterface(iface.Name)
			break
		}
	}
	return status
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func classifyInterface(name string) string {
	switch {
	case strings.HasPrefix(name, "wl"):
		return "wifi"
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "rmnet"):
		return "cellular"
	default:
		return "ethernet"
	}
}
