package mesh

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatNodeID renders a node number in the canonical "!xxxxxxxx" form.
func FormatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID converts a "!xxxxxxxx" identity back to its node number.
func ParseNodeID(id string) (uint32, bool) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return 0, false
	}
	trimmed = strings.TrimPrefix(trimmed, "!")
	value, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(value), true
}
