package protocol

import (
	"os"
	"path/filepath"
)

// SocketPath returns the well-known endpoint path. It is stable across
// restarts so shims can rendezvous with whichever governor instance is
// alive. AF_UNIX sockets are supported on the platforms the governor
// targets, Windows 10+ included.
func SocketPath() string {
	if override := os.Getenv("GOV_ENDPOINT"); override != "" {
		return override
	}
	return filepath.Join(os.TempDir(), EndpointName+".sock")
}
