package companion

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/loykin/localpg/internal/logger"
	"github.com/loykin/localpg/internal/manager"
	"github.com/loykin/localpg/internal/process"
)

// ServiceID is the supervisor id of the companion.
const ServiceID = "pgadmin"

// Supervisor is the part of manager.Supervisor the launcher drives.
type Supervisor interface {
	Start(id string, spec process.Spec, onLog manager.LogFunc) error
	Stop(id string) bool
	IsRunning(id string) bool
}

// Launcher prepares a located install and runs it under the supervisor.
type Launcher struct {
	Install Install
	Config  LocalConfig
	Profile ServerProfile
	Log     logger.Config
	Env     []string
}

// Prepare creates the data directory and writes config_local.py.
func (l *Launcher) Prepare() error {
	if err := os.MkdirAll(l.Config.DataDir, 0o700); err != nil {
		return fmt.Errorf("create companion data dir: %w", err)
	}
	p, err := WriteLocalConfig(l.Install, l.Config)
	if err != nil {
		return err
	}
	slog.Debug("companion config written", "path", p)
	return nil
}

// RegisterServer imports the fixed connection profile, replacing any previous copy.
func (l *Launcher) RegisterServer(ctx context.Context, onLine func(string)) error {
	data, err := l.Profile.ServersJSON()
	if err != nil {
		return err
	}
	jsonPath := filepath.Join(l.Config.DataDir, "servers.json")
	if err := writeAtomic(jsonPath, data, 0o600); err != nil {
		return fmt.Errorf("write servers.json: %w", err)
	}
	setup := filepath.Join(l.Install.WebDir, "setup.py")
	var out bytes.Buffer
	w := process.NewLineWriter(nil, func(line string) {
		if onLine != nil {
			onLine(line)
		}
	}, &out)
	// #nosec G204 -- runtime and setup.py come from the located install
	cmd := exec.CommandContext(ctx, l.Install.Runtime, setup, "load-servers", jsonPath, "--replace")
	cmd.Dir = l.Install.WebDir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = 2 * time.Second
	err = cmd.Run()
	w.Flush()
	if err != nil {
		return fmt.Errorf("load-servers exited with code %d: %w", process.ExitCode(cmd, err), err)
	}
	return nil
}

// Spec is the supervised command line.
func (l *Launcher) Spec() process.Spec {
	return process.Spec{
		Command: l.Install.Runtime,
		Args:    []string{l.Install.Entrypoint},
		WorkDir: l.Install.WebDir,
		Env:     l.Env,
		Log:     l.Log,
	}
}

// Launch prepares the install, re-registers the server profile and starts
// the web tool. Registration failures are logged and do not block the launch.
func (l *Launcher) Launch(ctx context.Context, sup Supervisor, onLog manager.LogFunc) error {
	if err := l.Prepare(); err != nil {
		return err
	}
	sys := func(line string) {
		if onLog != nil {
			onLog(ServiceID, process.System, line)
		}
	}
	if err := l.RegisterServer(ctx, sys); err != nil {
		slog.Warn("companion server registration failed", "error", err)
		sys("server registration failed: " + err.Error())
	}
	return sup.Start(ServiceID, l.Spec(), onLog)
}

// Stop stops the companion if it is running.
func (l *Launcher) Stop(sup Supervisor) bool {
	if !sup.IsRunning(ServiceID) {
		return false
	}
	return sup.Stop(ServiceID)
}
