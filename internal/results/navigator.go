package results

import (
	"sort"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/workflow"
)

// Cache keeps the latest result per test index.
type Cache struct {
	byIndex map[int]workflow.WakeDetectionResult
}

func NewCache(results []workflow.WakeDetectionResult) *Cache {
	c := &Cache{byIndex: make(map[int]workflow.WakeDetectionResult, len(results))}
	for _, r := range results {
		c.Record(r)
	}
	return c
}

// Record stores r, replacing an earlier result for the same case.
func (c *Cache) Record(r workflow.WakeDetectionResult) {
	c.byIndex[r.TestIndex] = r
}

func (c *Cache) Get(index int) (workflow.WakeDetectionResult, bool) {
	r, ok := c.byIndex[index]
	return r, ok
}

func (c *Cache) Len() int {
	return len(c.byIndex)
}

// Results returns the cached results ordered by test index.
func (c *Cache) Results() []workflow.WakeDetectionResult {
	out := make([]workflow.WakeDetectionResult, 0, len(c.byIndex))
	for _, r := range c.byIndex {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestIndex < out[j].TestIndex })
	return out
}

func (c *Cache) Stats() workflow.RunStatistics {
	return workflow.ComputeStatistics(c.Results())
}

// Navigator walks resolved results forward and backward in case order. Cases
// that were never resolved have no entry and are skipped.
type Navigator struct {
	entries []workflow.WakeDetectionResult
	pos     int
}

// NewNavigator positions on the first resolved result.
func NewNavigator(c *Cache) *Navigator {
	return &Navigator{entries: c.Results()}
}

func (n *Navigator) Len() int {
	return len(n.entries)
}

func (n *Navigator) Current() (workflow.WakeDetectionResult, bool) {
	if len(n.entries) == 0 {
		return workflow.WakeDetectionResult{}, false
	}
	return n.entries[n.pos], true
}

// Next moves forward; it reports false at the last entry.
func (n *Navigator) Next() (workflow.WakeDetectionResult, bool) {
	if n.pos+1 >= len(n.entries) {
		return workflow.WakeDetectionResult{}, false
	}
	n.pos++
	return n.entries[n.pos], true
}

// Prev moves backward; it reports false at the first entry.
func (n *Navigator) Prev() (workflow.WakeDetectionResult, bool) {
	if n.pos == 0 || len(n.entries) == 0 {
		return workflow.WakeDetectionResult{}, false
	}
	n.pos--
	return n.entries[n.pos], true
}

// Seek positions on the first resolved result at or after index.
func (n *Navigator) Seek(index int) bool {
	for i, r := range n.entries {
		if r.TestIndex >= index {
			n.pos = i
			return true
		}
	}
	return false
}
