// internal/nodeid/types.go
package nodeid

// Address identifies one instance of a stage. Target is empty for stages that
// run once per pipeline.
type Address struct {
	Stage  string
	Target string
}

// New returns the address of a single-instance stage.
func New(stage string) Address {
	return Address{Stage: stage}
}

// ForTarget returns the address of a per-target stage instance.
func ForTarget(stage, target string) Address {
	return Address{Stage: stage, Target: target}
}

// HasTarget reports whether the address names a fan-out instance.
func (a Address) HasTarget() bool {
	return a.Target != ""
}
