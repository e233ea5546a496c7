// internal/nodeid/parser.go
package nodeid

import (
	"fmt"
	"regexp"
)

// addressRegex matches `stage` or `stage[target]`. Targets may contain '/',
// '-', '_' and '.', e.g. `linux/amd64` or `windows-arm64.exe`.
var addressRegex = regexp.MustCompile(`^([a-zA-Z0-9_-]+)(?:\[([a-zA-Z0-9_./+-]+)\])?$`)

// Parse creates an Address by parsing its canonical string representation.
func Parse(rawID string) (Address, error) {
	if rawID == "" {
		return Address{}, fmt.Errorf("identifier cannot be empty")
	}
	matches := addressRegex.FindStringSubmatch(rawID)
	if matches == nil {
		return Address{}, fmt.Errorf("invalid instance identifier: %q", rawID)
	}
	return Address{Stage: matches[1], Target: matches[2]}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level constants.
func MustParse(rawID string) Address {
	a, err := Parse(rawID)
	if err != nil {
		panic(err)
	}
	return a
}
