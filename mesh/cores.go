// Copyright 2025 The MeshCCL Authors. SPDX-License-Identifier: Apache-2.0

package mesh

import (
	"fmt"
	"slices"
	"strings"
)

// CoreCoord is the (column, row) coordinate of one compute core on a device.
type CoreCoord struct {
	X, Y int
}

func (c CoreCoord) String() string {
	return fmt.Sprintf("(x=%d,y=%d)", c.X, c.Y)
}

// CoreRange is an inclusive rectangle of core coordinates on one device,
// from Start to End.
type CoreRange struct {
	Start, End CoreCoord
}

// NewCoreRange returns the range covering the rectangle between start and end,
// both inclusive.
func NewCoreRange(start, end CoreCoord) CoreRange {
	return CoreRange{Start: start, End: end}
}

// Ok returns whether the range is well-formed: non-negative coordinates and
// End not before Start on either axis.
func (r CoreRange) Ok() bool {
	return r.Start.X >= 0 && r.Start.Y >= 0 && r.End.X >= r.Start.X && r.End.Y >= r.Start.Y
}

// NumCores returns the number of cores covered.
func (r CoreRange) NumCores() int {
	return (r.End.X - r.Start.X + 1) * (r.End.Y - r.Start.Y + 1)
}

// Contains returns whether the coordinate falls inside the range.
func (r CoreRange) Contains(c CoreCoord) bool {
	return c.X >= r.Start.X && c.X <= r.End.X && c.Y >= r.Start.Y && c.Y <= r.End.Y
}

// Intersects returns whether the two rectangles share any core.
func (r CoreRange) Intersects(other CoreRange) bool {
	return r.Start.X <= other.End.X && other.Start.X <= r.End.X &&
		r.Start.Y <= other.End.Y && other.Start.Y <= r.End.Y
}

func (r CoreRange) String() string {
	return fmt.Sprintf("[%s-%s]", r.Start, r.End)
}

// CoreRangeSet is a set of core rectangles on one device. It defines which
// cores belong to a sub-device resource class.
type CoreRangeSet struct {
	ranges []CoreRange
}

// NewCoreRangeSet returns a set with the given ranges.
func NewCoreRangeSet(ranges ...CoreRange) CoreRangeSet {
	return CoreRangeSet{ranges: slices.Clone(ranges)}
}

// Ranges returns a copy of the ranges in the set.
func (s CoreRangeSet) Ranges() []CoreRange {
	return slices.Clone(s.ranges)
}

// Empty returns whether the set covers no cores.
func (s CoreRangeSet) Empty() bool {
	return len(s.ranges) == 0
}

// Ok returns whether every range in the set is well-formed and the ranges are
// pairwise disjoint.
func (s CoreRangeSet) Ok() bool {
	for i, r := range s.ranges {
		if !r.Ok() {
			return false
		}
		for _, other := range s.ranges[i+1:] {
			if r.Intersects(other) {
				return false
			}
		}
	}
	return true
}

// NumCores returns the total number of cores covered, assuming the set is
// disjoint.
func (s CoreRangeSet) NumCores() (n int) {
	for _, r := range s.ranges {
		n += r.NumCores()
	}
	return
}

// Contains returns whether the coordinate falls inside any range of the set.
func (s CoreRangeSet) Contains(c CoreCoord) bool {
	for _, r := range s.ranges {
		if r.Contains(c) {
			return true
		}
	}
	return false
}

// Intersects returns whether the two sets share any core.
func (s CoreRangeSet) Intersects(other CoreRangeSet) bool {
	for _, r := range s.ranges {
		for _, o := range other.ranges {
			if r.Intersects(o) {
				return true
			}
		}
	}
	return false
}

func (s CoreRangeSet) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}
