//go:build windows

package govclient

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

const governorBinaryName = "governor.exe"

// detach keeps the governor alive after the shim exits and off the shim's
// console.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP,
	}
}
