// link-shim impersonates link.exe on PATH: it leases tokens from the
// governor, runs the real linker with its argv forwarded verbatim, and
// propagates the linker's exit code.
package main

import (
	"os"

	"github.com/buildgov/governor/internal/shim"
)

func main() {
	os.Exit(shim.Run(shim.LinkerTool(), os.Args[1:]))
}
