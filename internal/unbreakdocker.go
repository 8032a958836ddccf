package internal

import (
	"os"
	"os/exec"
)

// UnbreakDocker attaches the current container to the default bridge network
// so tests running inside a dev container can reach the throwaway valkey and
// postgres containers started by testcontainers. Errors are ignored; outside a
// container the command simply fails.
func UnbreakDocker() {
	if _, err := os.Stat("/.dockerenv"); err != nil {
		return
	}

	if hostname, err := os.Hostname(); err == nil {
		exec.Command("docker", "network", "connect", "bridge", hostname).Run()
	}
}
