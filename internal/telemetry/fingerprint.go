package telemetry

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// Fingerprint computes a stable short hash of the error message and the
// first stack line, used to group recurring failures regardless of
// per-occurrence detail further down the stack.
func Fingerprint(message, stack string) string {
	firstLine := stack
	if i := strings.IndexByte(stack, '\n'); i >= 0 {
		firstLine = stack[:i]
	}

	h := fnv.New64a()
	h.Write([]byte(message))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(firstLine)))
	return fmt.Sprintf("%08x", h.Sum64()&0xffffffff)
}
