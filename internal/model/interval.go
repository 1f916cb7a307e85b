package model

import "time"

// Interval is a half-open time range [Start, End) on one resource.
type Interval struct {
	ResourceID uint64
	Start      time.Time
	End        time.Time
}

// OverlapKind describes how an interval A collides with an interval B.
type OverlapKind int

const (
	OverlapNone        OverlapKind = iota
	OverlapContains                // A fully contains B
	OverlapContainedBy             // B fully contains A
	OverlapStart                   // A starts inside B
	OverlapEnd                     // A ends inside B
)

func (k OverlapKind) String() string {
	switch k {
	case OverlapContains:
		return "contains"
	case OverlapContainedBy:
		return "contained-by"
	case OverlapStart:
		return "overlaps-start"
	case OverlapEnd:
		return "overlaps-end"
	}
	return "none"
}

// Empty reports whether the interval covers no time at all.
func (a Interval) Empty() bool { return !a.Start.Before(a.End) }

// Classify returns how a overlaps b. Intervals on different resources and
// empty intervals never overlap. Intervals that only share a boundary
// point (a.End == b.Start) do not overlap.
func (a Interval) Classify(b Interval) OverlapKind {
	if a.ResourceID != b.ResourceID || a.Empty() || b.Empty() {
		return OverlapNone
	}
	switch {
	case !a.Start.After(b.Start) && !a.End.Before(b.End):
		return OverlapContains
	case !b.Start.After(a.Start) && !b.End.Before(a.End):
		return OverlapContainedBy
	case a.Start.After(b.Start) && a.Start.Before(b.End):
		return OverlapStart
	case a.End.After(b.Start) && a.End.Before(b.End):
		return OverlapEnd
	}
	return OverlapNone
}

// Overlaps reports whether a and b share any instant.
func (a Interval) Overlaps(b Interval) bool { return a.Classify(b) != OverlapNone }
