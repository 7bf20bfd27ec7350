package shim

import (
	"regexp"
	"strings"
)

// Link steps start heavier than compiles and LTCG multiplies the cost:
// the linker re-runs code generation over every /GL object at once.
const (
	linkBaseCost = 3
	linkMinCost  = 2
	linkMaxCost  = 12
)

// linkDiagnosticPattern matches linker diagnostic codes, e.g. LNK1102.
var linkDiagnosticPattern = regexp.MustCompile(`\bLNK\d{4}\b`)

// LinkerTool describes the link.exe shim.
func LinkerTool() Tool {
	return Tool{
		Name:           "link",
		Binary:         "link.exe",
		RealPathEnv:    "LINK_REAL_PATH",
		EstimateTokens: EstimateLinkTokens,
		HasDiagnostics: LinkerStderrHasDiagnostics,
		IsLTCG:         linkIsLTCG,
	}
}

// EstimateLinkTokens costs a linker invocation in [2, 12].
func EstimateLinkTokens(args []string) int {
	cost := linkBaseCost
	objects := 0
	for _, arg := range args {
		lower := strings.ToLower(arg)
		if strings.HasSuffix(lower, ".obj") || strings.HasSuffix(lower, ".lib") {
			objects++
		}
		if strings.HasPrefix(lower, "/debug") || strings.HasPrefix(lower, "-debug") {
			cost++
		}
	}
	// Many inputs mean a bigger symbol table regardless of optimization.
	if objects > 50 {
		cost++
	}
	if objects > 200 {
		cost++
	}
	if linkIsLTCG(args) {
		cost *= 3
	}
	return clampTokens(cost, linkMinCost, linkMaxCost)
}

// LinkerStderrHasDiagnostics reports whether the fragment looks like link
// speaking.
func LinkerStderrHasDiagnostics(fragment string) bool {
	lower := strings.ToLower(fragment)
	if strings.Contains(lower, "error") ||
		strings.Contains(lower, "warning") ||
		strings.Contains(lower, "fatal") {
		return true
	}
	return linkDiagnosticPattern.MatchString(fragment)
}

func linkIsLTCG(args []string) bool {
	for _, arg := range args {
		lower := strings.ToLower(arg)
		if strings.HasPrefix(lower, "/ltcg") || strings.HasPrefix(lower, "-ltcg") {
			return true
		}
	}
	return false
}
