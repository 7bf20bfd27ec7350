//go:build !windows

package govclient

import (
	"os/exec"
	"syscall"
)

const governorBinaryName = "governor"

// detach puts the governor in its own session so it survives the shim.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
