package closureimager

import (
	"slices"
	"strings"

	"closureimager/internal/config"
)

// Selection is the sub-array chosen for closure imaging.
type Selection struct {
	// Indices into the antenna table, ascending and unique.
	Indices []int
	// Names of the selected antennas, parallel to Indices.
	Names []string
	// Targets is the deduplicated list of requested names after exclusion.
	Targets []string
	// Unresolved lists targets that matched no antenna.
	Unresolved []string
}

// Baselines returns every (i, j) pair of selected antennas with i < j.
func (s Selection) Baselines() [][2]int {
	out := make([][2]int, 0, len(s.Indices)*(len(s.Indices)-1)/2)
	for a := 0; a < len(s.Indices); a++ {
		for b := a + 1; b < len(s.Indices); b++ {
			out = append(out, [2]int{s.Indices[a], s.Indices[b]})
		}
	}
	return out
}

// TargetNames applies the exclusion list to the inclusion list and returns
// the sorted, deduplicated names left. Exclusions are removed as plain text
// from the inclusion string before it is split, so an exclusion that is a
// substring of another name also alters that name.
func TargetNames(include, exclude string) []string {
	for _, r := range strings.Split(exclude, ";") {
		if r == "" {
			continue
		}
		include = strings.ReplaceAll(include, r, "")
	}
	var names []string
	for _, t := range strings.Split(include, ";") {
		if t = strings.TrimSpace(t); t != "" {
			names = append(names, t)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// SelectAntennas resolves the requested names against the antenna table.
// In prefix mode a target matches every antenna whose name begins with it,
// so "DE601" matches "DE601HBA". Fewer than two selected antennas is a
// ConfigurationError since no baseline can be formed.
func SelectAntennas(table []string, include, exclude, mode string) (Selection, error) {
	sel := Selection{Targets: TargetNames(include, exclude)}
	matches := func(name, target string) bool {
		if mode == config.MatchExact {
			return name == target
		}
		return strings.HasPrefix(name, target)
	}

	for _, target := range sel.Targets {
		found := false
		for i, name := range table {
			if matches(name, target) {
				sel.Indices = append(sel.Indices, i)
				found = true
			}
		}
		if !found {
			sel.Unresolved = append(sel.Unresolved, target)
		}
	}
	slices.Sort(sel.Indices)
	sel.Indices = slices.Compact(sel.Indices)
	for _, i := range sel.Indices {
		sel.Names = append(sel.Names, table[i])
	}

	if len(sel.Indices) < 2 {
		return sel, configErr("antenna selection",
			"%d antenna(s) matched %v, at least 2 are needed to form a baseline", len(sel.Indices), sel.Targets)
	}
	return sel, nil
}
