package govclient

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/buildgov/governor/internal/protocol"
	"github.com/buildgov/governor/internal/singleton"
)

const (
	launcherWait  = 5 * time.Second
	readinessPoll = 200 * time.Millisecond
	readinessMax  = 3 * time.Second
)

// debugf prints auto-start diagnostics when GOV_DEBUG=1.
func debugf(format string, args ...any) {
	if os.Getenv("GOV_DEBUG") == "1" {
		fmt.Fprintf(os.Stderr, "governor autostart: "+format+"\n", args...)
	}
}

// Connect dials the governor, auto-starting it if permitted. It returns nil
// without error when no session could be established; the caller proceeds
// ungoverned.
func Connect(autoStart bool) *Client {
	socketPath := protocol.SocketPath()

	if client, err := Dial(socketPath); err == nil {
		return client
	} else {
		debugf("initial connect failed: %v", err)
	}
	if !autoStart {
		return nil
	}

	// Several shims may race here; the launcher mutex elects exactly one
	// to start the governor while the rest wait and re-dial.
	mutex, err := singleton.AcquireWait(singleton.LauncherMutexName, launcherWait)
	if err != nil {
		debugf("launcher election failed: %v", err)
		return pollForGovernor(socketPath)
	}
	defer mutex.Release()

	// Re-check: the previous launcher may have brought the governor up
	// while we waited for the mutex.
	if client, err := Dial(socketPath); err == nil {
		return client
	}

	if err := launchGovernor(); err != nil {
		debugf("launch failed: %v", err)
		return nil
	}
	return pollForGovernor(socketPath)
}

// pollForGovernor re-dials until the endpoint answers or the readiness
// window closes.
func pollForGovernor(socketPath string) *Client {
	deadline := time.Now().Add(readinessMax)
	for {
		if client, err := Dial(socketPath); err == nil {
			return client
		}
		if time.Now().After(deadline) {
			debugf("governor not ready after %s", readinessMax)
			return nil
		}
		time.Sleep(readinessPoll)
	}
}

// launchGovernor starts the governor binary detached, in background mode so
// it shuts itself down after the build goes quiet.
func launchGovernor() error {
	path, err := governorPath()
	if err != nil {
		return err
	}
	debugf("starting %s --background", path)
	cmd := exec.Command(path, "--background")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start governor %s: %w", path, err)
	}
	// The governor owns its own lifetime from here.
	return cmd.Process.Release()
}

// governorPath resolves the governor executable: GOV_SERVICE_PATH, then a
// sibling of the shim, then PATH.
func governorPath() (string, error) {
	if explicit := os.Getenv("GOV_SERVICE_PATH"); explicit != "" {
		return explicit, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), governorBinaryName)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	if found, err := exec.LookPath(governorBinaryName); err == nil {
		return found, nil
	}
	return "", fmt.Errorf("governor binary %q not found; set GOV_SERVICE_PATH", governorBinaryName)
}
