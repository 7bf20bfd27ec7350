package shim

import (
	"io"
	"strings"
	"sync"
)

// digestLimit bounds the stderr kept for the release report. The point is a
// boolean "had diagnostics" plus a short digest, not a transcript.
const digestLimit = 500

// carryLimit is how many trailing bytes are re-examined with the next chunk
// so a diagnostic token split across writes still matches.
const carryLimit = 64

// stderrTee forwards the child's stderr unmodified while testing each chunk
// against the tool's diagnostic predicate and keeping a bounded digest.
type stderrTee struct {
	dst       io.Writer
	predicate func(string) bool

	mu        sync.Mutex
	digest    strings.Builder
	carry     string
	truncated bool
	matched   bool
}

func newStderrTee(dst io.Writer, predicate func(string) bool) *stderrTee {
	return &stderrTee{dst: dst, predicate: predicate}
}

func (t *stderrTee) Write(p []byte) (int, error) {
	n, err := t.dst.Write(p)

	t.mu.Lock()
	if t.digest.Len() < digestLimit {
		room := digestLimit - t.digest.Len()
		if len(p) > room {
			t.digest.Write(p[:room])
			t.truncated = true
		} else {
			t.digest.Write(p)
		}
	} else if len(p) > 0 {
		t.truncated = true
	}

	if !t.matched && t.predicate != nil {
		window := t.carry + string(p)
		if t.predicate(window) {
			t.matched = true
		}
		if len(window) > carryLimit {
			window = window[len(window)-carryLimit:]
		}
		t.carry = window
	}
	t.mu.Unlock()

	return n, err
}

// HadDiagnostics reports whether any stderr chunk matched the predicate.
func (t *stderrTee) HadDiagnostics() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matched
}

// Digest returns the bounded stderr prefix, with a marker when truncated.
func (t *stderrTee) Digest() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return t.digest.String() + "..."
	}
	return t.digest.String()
}
