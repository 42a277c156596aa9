// Package compaction merges sstables into fewer, larger ones and decides
// when tombstones and old counter shards may finally be dropped.
package compaction

import (
	"sort"

	"github.com/dd0wney/cluso-tablestore/pkg/sstable"
)

// Interval is one table's closed token range.
type Interval struct {
	Min   int64
	Max   int64
	Table *sstable.Reader
}

// IntervalTree answers token stabbing queries over a fixed set of table
// ranges. Built once per compaction, never mutated afterwards.
type IntervalTree struct {
	root  *intervalNode
	count int
}

type intervalNode struct {
	center int64
	// Intervals containing center, sorted ascending by Min.
	byMin []Interval
	// The same intervals, sorted descending by Max.
	byMax []Interval
	left  *intervalNode
	right *intervalNode
}

// NewIntervalTree builds a centered interval tree from the given ranges.
func NewIntervalTree(intervals []Interval) *IntervalTree {
	own := make([]Interval, len(intervals))
	copy(own, intervals)
	return &IntervalTree{root: buildIntervalNode(own), count: len(own)}
}

func buildIntervalNode(intervals []Interval) *intervalNode {
	if len(intervals) == 0 {
		return nil
	}

	points := make([]int64, 0, len(intervals)*2)
	for _, iv := range intervals {
		points = append(points, iv.Min, iv.Max)
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })
	center := points[len(points)/2]

	var left, right, here []Interval
	for _, iv := range intervals {
		switch {
		case iv.Max < center:
			left = append(left, iv)
		case iv.Min > center:
			right = append(right, iv)
		default:
			here = append(here, iv)
		}
	}

	node := &intervalNode{center: center}
	node.byMin = make([]Interval, len(here))
	copy(node.byMin, here)
	sort.Slice(node.byMin, func(i, j int) bool { return node.byMin[i].Min < node.byMin[j].Min })
	node.byMax = make([]Interval, len(here))
	copy(node.byMax, here)
	sort.Slice(node.byMax, func(i, j int) bool { return node.byMax[i].Max > node.byMax[j].Max })
	node.left = buildIntervalNode(left)
	node.right = buildIntervalNode(right)
	return node
}

// Len returns the number of intervals in the tree.
func (t *IntervalTree) Len() int { return t.count }

// Stab returns the tables whose range contains the given token.
func (t *IntervalTree) Stab(token int64) []*sstable.Reader {
	var out []*sstable.Reader
	for node := t.root; node != nil; {
		switch {
		case token < node.center:
			// Everything at this node starts at or before center; only
			// intervals starting at or before the token can contain it.
			for _, iv := range node.byMin {
				if iv.Min > token {
					break
				}
				out = append(out, iv.Table)
			}
			node = node.left
		case token > node.center:
			for _, iv := range node.byMax {
				if iv.Max < token {
					break
				}
				out = append(out, iv.Table)
			}
			node = node.right
		default:
			for _, iv := range node.byMin {
				out = append(out, iv.Table)
			}
			node = nil
		}
	}
	return out
}
