package shim

import (
	"regexp"
	"strings"
)

// Compile token costs are a heuristic over the command line, not ground
// truth. They live here, outside the admission core, so they can be tuned
// without touching the governor.
const (
	compileBaseCost = 2
	compileMinCost  = 1
	compileMaxCost  = 8
)

// clDiagnosticPattern matches MSVC compiler diagnostic codes, e.g. C1060.
var clDiagnosticPattern = regexp.MustCompile(`\b[CD]\d{4}\b`)

// templateHeavyMarkers are path fragments known to blow up compiler memory.
var templateHeavyMarkers = []string{"boost", "eigen", "spirit", "template"}

// CompilerTool describes the cl.exe shim.
func CompilerTool() Tool {
	return Tool{
		Name:           "cl",
		Binary:         "cl.exe",
		RealPathEnv:    "CL_REAL_PATH",
		EstimateTokens: EstimateCompileTokens,
		HasDiagnostics: CompilerStderrHasDiagnostics,
		IsLTCG:         compileIsLTCG,
	}
}

// EstimateCompileTokens costs a compiler invocation in [1, 8].
func EstimateCompileTokens(args []string) int {
	cost := compileBaseCost
	for _, arg := range args {
		lower := strings.ToLower(arg)
		switch {
		case lower == "/gl" || lower == "-gl":
			// Whole-program optimization buffers IR for the linker.
			cost += 2
		case lower == "/o2" || lower == "-o2" || lower == "/ox" || lower == "-ox":
			cost++
		case strings.HasPrefix(lower, "/zm") || strings.HasPrefix(lower, "-zm"):
			// Raised compiler heap scale; someone already hit the default.
			cost++
		}
		for _, marker := range templateHeavyMarkers {
			if strings.Contains(lower, marker) && hasSourceSuffix(lower) {
				cost++
				break
			}
		}
	}
	return clampTokens(cost, compileMinCost, compileMaxCost)
}

// CompilerStderrHasDiagnostics reports whether the fragment looks like cl
// speaking, as opposed to a silent abort.
func CompilerStderrHasDiagnostics(fragment string) bool {
	lower := strings.ToLower(fragment)
	if strings.Contains(lower, "error") ||
		strings.Contains(lower, "warning") ||
		strings.Contains(lower, "fatal") {
		return true
	}
	return clDiagnosticPattern.MatchString(fragment)
}

func compileIsLTCG(args []string) bool {
	for _, arg := range args {
		lower := strings.ToLower(arg)
		if lower == "/gl" || lower == "-gl" {
			return true
		}
	}
	return false
}

func hasSourceSuffix(lower string) bool {
	return strings.HasSuffix(lower, ".cpp") ||
		strings.HasSuffix(lower, ".cc") ||
		strings.HasSuffix(lower, ".cxx") ||
		strings.HasSuffix(lower, ".c") ||
		strings.HasSuffix(lower, ".h") ||
		strings.HasSuffix(lower, ".hpp")
}

func clampTokens(cost, min, max int) int {
	if cost < min {
		return min
	}
	if cost > max {
		return max
	}
	return cost
}
