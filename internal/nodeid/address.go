// internal/nodeid/address.go
package nodeid

import "strings"

// String serializes the Address into its canonical representation.
func (a Address) String() string {
	if a.Target == "" {
		return a.Stage
	}
	var sb strings.Builder
	sb.Grow(len(a.Stage) + len(a.Target) + 2)
	sb.WriteString(a.Stage)
	sb.WriteByte('[')
	sb.WriteString(a.Target)
	sb.WriteByte(']')
	return sb.String()
}

// Equal checks two addresses for equality.
func (a Address) Equal(other Address) bool {
	return a == other
}
