package partition

import "math"

// DefaultCeiling is the upper bound of the legacy identifier space: the
// largest 32-bit signed integer.
const DefaultCeiling int64 = math.MaxInt32

// NextEnd returns the last id of the partition starting at startID.
// A partition size of zero disables partitioning, so the partition extends
// to the ceiling. When startID is past the ceiling the result is the
// ceiling itself, which yields an empty range.
func NextEnd(startID, partitionSize, ceiling int64) int64 {
	if partitionSize <= 0 || startID > ceiling {
		return ceiling
	}
	// startID+partitionSize-1 may overflow near math.MaxInt64
	if partitionSize-1 >= ceiling-startID {
		return ceiling
	}
	return startID + partitionSize - 1
}

// StartID derives the first id to copy. An explicit copyFrom is used as
// given; otherwise the copy resumes right after the highest id the
// destination already holds.
func StartID(copyFrom int64, existing Extent) int64 {
	if copyFrom != 0 {
		return copyFrom
	}
	if existing.Max == math.MaxInt64 {
		return existing.Max
	}
	return existing.Max + 1
}

// Planner carves successive partitions out of [start, ceiling].
type Planner struct {
	size    int64
	ceiling int64
}

// NewPlanner creates a planner for fixed-size partitions bounded by ceiling.
// A size of zero plans the whole remaining range as a single partition.
func NewPlanner(size, ceiling int64) *Planner {
	return &Planner{size: size, ceiling: ceiling}
}

// Next returns the partition range beginning at start. The range is empty
// once start has moved past the ceiling.
func (p *Planner) Next(start int64) Range {
	return Range{Start: start, End: NextEnd(start, p.size, p.ceiling)}
}

// After returns the partition that follows a completed partition whose
// destination watermark is watermark.
func (p *Planner) After(watermark int64) Range {
	if watermark >= p.ceiling {
		// Nothing above the ceiling is ever planned.
		return Range{Start: p.ceiling, End: p.ceiling - 1}
	}
	return p.Next(watermark + 1)
}

// Size returns the configured partition size.
func (p *Planner) Size() int64 {
	return p.size
}

// Ceiling returns the upper bound the planner never plans past.
func (p *Planner) Ceiling() int64 {
	return p.ceiling
}
