//go:build !linux && !darwin

package terminate

// DefaultWalker returns RootOnly; descendants cannot be enumerated here.
func DefaultWalker() TreeWalker { return RootOnly{} }
