// Package sysservice implements mysqlctl.ServiceManager against the
// host's systemd, the default service supervisor assumed by spec.md's
// "stop/start/status the MySQL service" language. No example in the
// corpus wraps systemctl, so this is justified as a thin stdlib
// os/exec shim in DESIGN.md rather than grounded on a specific file.
package sysservice

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/block/mysql-coldbackup/internal/mysqlctl"
)

// SystemdManager drives systemctl for one named unit.
type SystemdManager struct{}

// NewSystemdManager builds a SystemdManager.
func NewSystemdManager() *SystemdManager {
	return &SystemdManager{}
}

func (SystemdManager) StopService(ctx context.Context, name string) error {
	return run(ctx, "stop", name)
}

func (SystemdManager) StartService(ctx context.Context, name string) error {
	return run(ctx, "start", name)
}

func (SystemdManager) StatusService(ctx context.Context, name string) (mysqlctl.State, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", name)
	var out bytes.Buffer
	cmd.Stdout = &out
	err := cmd.Run()

	state := strings.TrimSpace(out.String())
	switch state {
	case "active":
		return mysqlctl.StateRunning, nil
	case "inactive", "failed", "deactivating":
		return mysqlctl.StateStopped, nil
	}
	if err != nil {
		// systemctl is-active exits non-zero for any state other than
		// "active"; an empty/unrecognized stdout alongside an error is
		// still informative ("inactive") rather than a real failure.
		if state == "" {
			return mysqlctl.StateStopped, nil
		}
	}
	return mysqlctl.StateUnknown, nil
}

func run(ctx context.Context, action, name string) error {
	cmd := exec.CommandContext(ctx, "systemctl", action, name)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sysservice: systemctl %s %s: %w: %s", action, name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
