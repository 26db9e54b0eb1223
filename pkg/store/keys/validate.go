package keys

import (
	"fmt"
	"strings"
)

const maxIDLength = 128

// ValidateID checks user, conversation and message ids before they become
// key segments.
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id is required", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s id exceeds %d bytes", kind, maxIDLength)
	}
	if strings.ContainsAny(id, ":\x00") {
		return fmt.Errorf("%s id %q contains a reserved character", kind, id)
	}
	return nil
}
