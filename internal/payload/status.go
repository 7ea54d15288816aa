package payload

import "strings"

// Status describes how complete a payload is. It is a bit set; callers may
// define their own bits above the ones declared here.
type Status uint32

const (
	// Intermediate is the zero status: a partial, non-placeholder update.
	Intermediate Status = 0

	// IsLast marks the final result of a stream. A final result is always
	// processed, even when the payload itself is empty.
	IsLast Status = 1 << 0

	// DoNotCacheEncoded asks downstream consumers not to cache the bytes.
	DoNotCacheEncoded Status = 1 << 1

	// IsPlaceholder marks a stand-in result that should be shown until the
	// real one arrives. Placeholders are processed even when empty.
	IsPlaceholder Status = 1 << 2

	// IsPartialResult marks an intermediate, partially received payload.
	IsPartialResult Status = 1 << 3

	// IsResizingDone marks a payload that was already resized upstream.
	IsResizingDone Status = 1 << 4
)

func (s Status) IsLast() bool { return s&IsLast != 0 }

func (s Status) IsNotLast() bool { return s&IsLast == 0 }

// Has reports whether every bit in flag is set.
func (s Status) Has(flag Status) bool { return flag != 0 && s&flag == flag }

// With returns s with flag set.
func (s Status) With(flag Status) Status { return s | flag }

// Without returns s with flag cleared.
func (s Status) Without(flag Status) Status { return s &^ flag }

var statusNames = []struct {
	flag Status
	name string
}{
	{IsLast, "last"},
	{DoNotCacheEncoded, "no_cache"},
	{IsPlaceholder, "placeholder"},
	{IsPartialResult, "partial"},
	{IsResizingDone, "resized"},
}

func (s Status) String() string {
	if s == Intermediate {
		return "intermediate"
	}
	parts := make([]string, 0, len(statusNames))
	rest := s
	for _, n := range statusNames {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, "custom")
	}
	return strings.Join(parts, "|")
}
