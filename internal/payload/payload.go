// Package payload defines the job data handed to throttled jobs: an
// ownership-bearing Payload handle plus a Status bit set.
package payload

// Payload is an ownership-bearing handle to job data.
//
// Whoever holds a handle must Release it exactly once. Clone returns a new,
// independently releasable handle to the same data, or nil if the handle is
// no longer usable.
type Payload interface {
	Valid() bool
	Clone() Payload
	Release()
}

// IsValid reports whether p is non-nil and valid.
func IsValid(p Payload) bool {
	return p != nil && p.Valid()
}

// CloneOrNil returns a new handle to p's data, or nil if p is nil.
func CloneOrNil(p Payload) Payload {
	if p == nil {
		return nil
	}
	return p.Clone()
}

// ReleaseSafely releases p if it is non-nil.
func ReleaseSafely(p Payload) {
	if p != nil {
		p.Release()
	}
}

// ShouldProcess reports whether a (payload, status) pair is worth holding or
// running. The final result is always processed, and so is a placeholder;
// any other update is processed only if its payload is valid.
func ShouldProcess(p Payload, status Status) bool {
	return status.IsLast() || status.Has(IsPlaceholder) || IsValid(p)
}
