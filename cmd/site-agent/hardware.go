package main

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/lyzr/sitesync/common/config"
)

// hardwareID returns the configured hardware id, or a stable machine
// identifier when none is set. The server binds a site to the first id it sees.
func hardwareID(cfg *config.Config) string {
	if cfg.Site.HardwareID != "" {
		return cfg.Site.HardwareID
	}
	if id := machineID(); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return ""
}

// machineID reads the platform's install-unique machine identifier
func machineID() string {
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id
				}
			}
		}
	case "darwin":
		out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
		if err != nil {
			return ""
		}
		for _, line := range strings.Split(string(out), "\n") {
			if !strings.Contains(line, "IOPlatformUUID") {
				continue
			}
			if parts := strings.Split(line, "\""); len(parts) >= 4 {
				return parts[3]
			}
		}
	case "windows":
		out, err := exec.Command("reg", "query", `HKLM\SOFTWARE\Microsoft\Cryptography`, "/v", "MachineGuid").Output()
		if err != nil {
			return ""
		}
		fields := strings.Fields(string(out))
		if len(fields) > 0 {
			return fields[len(fields)-1]
		}
	}
	return ""
}
