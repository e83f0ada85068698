package room

import (
	"regexp"
	"strings"
)

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9:_-]{1,256}$`)

// ValidRoomName reports whether name matches spec.md §6's
// [A-Za-z0-9:_-]{1,256} pattern.
func ValidRoomName(name string) bool {
	return roomNamePattern.MatchString(name)
}

// bridgedPrefixes are relayed outbound by default per spec.md §6; any
// other room name is local-only.
var bridgedPrefixes = []string{"workspace-meta:", "workspace-folders:", "doc-"}

// ShouldBridge reports whether a room name's prefix indicates it
// should be replicated to the outbound relay by default.
func ShouldBridge(name string) bool {
	for _, p := range bridgedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
