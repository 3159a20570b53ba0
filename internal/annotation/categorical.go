package annotation

import (
	"fmt"
	"sort"
	"strconv"
)

// Categorical is a dictionary-encoded per-cell column.
// Codes[i] indexes Values for cell i.
type Categorical struct {
	Values []string `json:"values"`
	Codes  []int32  `json:"-"`
}

// FromLabels encodes labels with categories sorted by SortLabels.
func FromLabels(labels []string) Categorical {
	set := make(map[string]struct{})
	for _, l := range labels {
		set[l] = struct{}{}
	}
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	SortLabels(values)

	index := make(map[string]int32, len(values))
	for i, v := range values {
		index[v] = int32(i)
	}
	codes := make([]int32, len(labels))
	for i, l := range labels {
		codes[i] = index[l]
	}
	return Categorical{Values: values, Codes: codes}
}

// Len returns the number of cells.
func (c Categorical) Len() int { return len(c.Codes) }

// Labels decodes the column.
func (c Categorical) Labels() []string {
	out := make([]string, len(c.Codes))
	for i, code := range c.Codes {
		out[i] = c.Values[code]
	}
	return out
}

// PresentValues returns the categories referenced by at least one cell, in category order.
func (c Categorical) PresentValues() []string {
	used := make([]bool, len(c.Values))
	for _, code := range c.Codes {
		used[code] = true
	}
	out := make([]string, 0, len(c.Values))
	for i, v := range c.Values {
		if used[i] {
			out = append(out, v)
		}
	}
	return out
}

// Counts returns the number of cells per category, aligned with Values.
func (c Categorical) Counts() []int {
	counts := make([]int, len(c.Values))
	for _, code := range c.Codes {
		counts[code]++
	}
	return counts
}

// GroupIndex returns category value -> cell indices.
func (c Categorical) GroupIndex() map[string][]int {
	out := make(map[string][]int, len(c.Values))
	for i, code := range c.Codes {
		v := c.Values[code]
		out[v] = append(out[v], i)
	}
	return out
}

func (c Categorical) check() error {
	for i, code := range c.Codes {
		if code < 0 || int(code) >= len(c.Values) {
			return fmt.Errorf("cell %d: category code %d out of range [0,%d)", i, code, len(c.Values))
		}
	}
	return nil
}

// Check reports codes that do not index Values.
func (c Categorical) Check() error { return c.check() }

// SortLabels sorts cluster labels so that integer-like labels come first in numeric
// order ("2" before "10"), followed by the remaining labels lexicographically.
func SortLabels(labels []string) {
	sort.SliceStable(labels, func(i, j int) bool {
		a, aErr := strconv.Atoi(labels[i])
		b, bErr := strconv.Atoi(labels[j])
		switch {
		case aErr == nil && bErr == nil:
			if a != b {
				return a < b
			}
			return labels[i] < labels[j]
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return labels[i] < labels[j]
		}
	})
}
