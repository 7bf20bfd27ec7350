// cl-shim impersonates cl.exe on PATH: it leases tokens from the governor,
// runs the real compiler with its argv forwarded verbatim, and propagates
// the compiler's exit code.
package main

import (
	"os"

	"github.com/buildgov/governor/internal/shim"
)

func main() {
	os.Exit(shim.Run(shim.CompilerTool(), os.Args[1:]))
}
