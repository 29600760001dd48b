// Package partition plans identifier ranges for the bulk copier and guards
// against copying ranges the destination already holds.
package partition

import (
	"errors"
	"fmt"
)

// ErrOverlappingRange is returned when a requested copy range intersects ids
// already present in the destination.
var ErrOverlappingRange = errors.New("copy range overlaps destination extent")

// Range is an inclusive identifier range. A range whose Start is greater
// than its End is empty.
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Empty returns true if the range contains no identifiers.
func (r Range) Empty() bool {
	return r.Start > r.End
}

// Contains returns true if id falls within the range bounds.
func (r Range) Contains(id int64) bool {
	return id >= r.Start && id <= r.End
}

// Len returns the number of identifiers the range spans.
func (r Range) Len() int64 {
	if r.Empty() {
		return 0
	}
	return r.End - r.Start + 1
}

func (r Range) String() string {
	return fmt.Sprintf("[%d-%d]", r.Start, r.End)
}

// Extent is the identifier span already present in the destination, limited
// to ids at or below the legacy ceiling. The zero value means the
// destination holds no legacy rows.
type Extent struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Empty returns true for the (0, 0) sentinel reported by an empty destination.
func (e Extent) Empty() bool {
	return e.Min == 0 && e.Max == 0
}

func (e Extent) String() string {
	if e.Empty() {
		return "[empty]"
	}
	return fmt.Sprintf("[%d-%d]", e.Min, e.Max)
}

// Overlaps reports whether the closed intervals [minID, maxID] and
// [startID, endID] share at least one identifier.
func Overlaps(minID, maxID, startID, endID int64) bool {
	return max(minID, startID) <= min(maxID, endID)
}

// Overlaps reports whether copying r would write an id the destination
// already holds. An empty extent never overlaps.
func (e Extent) Overlaps(r Range) bool {
	if e.Empty() || r.Empty() {
		return false
	}
	return Overlaps(e.Min, e.Max, r.Start, r.End)
}
