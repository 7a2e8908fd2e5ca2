package thread

import (
	"sort"
	"strconv"

	"github.com/znz-systems/relaywarm/internal/models"
)

type Step struct {
	Depth   int
	Name    string
	Missing bool
}

// Chain is a root template and the reply templates that follow it.
type Chain struct {
	Root     string
	Steps    []Step
	Orphaned bool
}

// Chains groups templates into reply chains by their suffix. Gaps between
// the root and the deepest reply are reported as missing steps. A chain whose
// root template does not exist is flagged as orphaned.
func Chains(templates []models.Template, suffix string) []Chain {
	roots := make(map[string]bool)
	replies := make(map[string]map[int]string)
	for _, t := range templates {
		base, depth := SplitName(t.Name, suffix)
		if base == t.Name {
			roots[t.Name] = true
			continue
		}
		if depth < 2 {
			continue
		}
		if replies[base] == nil {
			replies[base] = make(map[int]string)
		}
		replies[base][depth] = t.Name
	}

	var chains []Chain
	for base, steps := range replies {
		maxDepth := 0
		for d := range steps {
			if d > maxDepth {
				maxDepth = d
			}
		}
		c := Chain{Root: base, Orphaned: !roots[base]}
		c.Steps = append(c.Steps, Step{Depth: 1, Name: base, Missing: !roots[base]})
		for d := 2; d <= maxDepth; d++ {
			name, ok := steps[d]
			if !ok {
				name = base + suffix + strconv.Itoa(d)
			}
			c.Steps = append(c.Steps, Step{Depth: d, Name: name, Missing: !ok})
		}
		chains = append(chains, c)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].Root < chains[j].Root })
	return chains
}
