package definition

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mpataki/devflow/internal/condition"
	"github.com/mpataki/devflow/internal/models"
)

// Validate checks spec and returns a *models.ValidationError listing every
// problem, or nil.
func Validate(spec VersionSpec) error {
	verr := &models.ValidationError{Subject: "workflow version"}

	names := make(map[string]bool, len(spec.Stages))
	orders := make(map[int]string, len(spec.Stages))
	for i, st := range spec.Stages {
		label := st.Name
		if strings.TrimSpace(st.Name) == "" {
			verr.Add("stage #%d has no name", i+1)
			label = "#" + strconv.Itoa(i+1)
		} else if names[st.Name] {
			verr.Add("stage name %q is used more than once", st.Name)
		}
		names[st.Name] = true

		if other, dup := orders[st.Order]; dup {
			verr.Add("stages %q and %q share order index %d", other, label, st.Order)
		} else {
			orders[st.Order] = label
		}

		itemIDs := make(map[string]bool, len(st.Checklist))
		for j, item := range st.Checklist {
			if strings.TrimSpace(item.ID) == "" {
				verr.Add("stage %q: checklist item #%d has no id", label, j+1)
				continue
			}
			if itemIDs[item.ID] {
				verr.Add("stage %q: checklist item %q is listed more than once", label, item.ID)
			}
			itemIDs[item.ID] = true
		}
	}

	// Order indices must be exactly 0..n-1.
	for i := 0; i < len(spec.Stages); i++ {
		if _, ok := orders[i]; !ok {
			verr.Add("order index %d is missing; stage order must run 0..%d without gaps", i, len(spec.Stages)-1)
		}
	}
	outside := make([]int, 0)
	for order := range orders {
		if order < 0 || order >= len(spec.Stages) {
			outside = append(outside, order)
		}
	}
	sort.Ints(outside)
	for _, order := range outside {
		verr.Add("stage %q has order index %d outside 0..%d", orders[order], order, len(spec.Stages)-1)
	}

	edgesValid := true
	for i, t := range spec.Transitions {
		label := fmt.Sprintf("transition #%d (%s -> %s)", i+1, t.From, t.To)
		if !names[t.From] || strings.TrimSpace(t.From) == "" {
			verr.Add("%s: unknown from-stage %q", label, t.From)
			edgesValid = false
		}
		if !names[t.To] || strings.TrimSpace(t.To) == "" {
			verr.Add("%s: unknown to-stage %q", label, t.To)
			edgesValid = false
		}
		if t.Priority < 0 {
			verr.Add("%s: priority must not be negative", label)
		}
		if err := condition.Validate(t.Condition); err != nil {
			verr.Add("%s: %v", label, err)
		}
	}

	if !spec.AllowCycles && edgesValid {
		for _, cycle := range findCycles(spec) {
			verr.Add("cycle %s (set allow_cycles to permit loops)", strings.Join(cycle, " -> "))
		}
	}

	return verr.Err()
}

// findCycles returns one path per back edge found by a depth-first search that
// visits stages in order-index order, so the report is stable.
func findCycles(spec VersionSpec) [][]string {
	stages := make([]StageSpec, len(spec.Stages))
	copy(stages, spec.Stages)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })

	rank := make(map[string]int, len(stages))
	for i, st := range stages {
		rank[st.Name] = i
	}

	adj := make(map[string][]TransitionSpec)
	for _, t := range spec.Transitions {
		adj[t.From] = append(adj[t.From], t)
	}
	for from := range adj {
		edges := adj[from]
		sort.SliceStable(edges, func(i, j int) bool {
			if edges[i].Priority != edges[j].Priority {
				return edges[i].Priority < edges[j].Priority
			}
			return rank[edges[i].To] < rank[edges[j].To]
		})
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(stages))
	var stack []string
	var cycles [][]string

	var visit func(name string)
	visit = func(name string) {
		color[name] = grey
		stack = append(stack, name)
		for _, t := range adj[name] {
			switch color[t.To] {
			case white:
				visit(t.To)
			case grey:
				start := len(stack) - 1
				for stack[start] != t.To {
					start--
				}
				cycle := append([]string{}, stack[start:]...)
				cycles = append(cycles, append(cycle, t.To))
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
	}

	for _, st := range stages {
		if color[st.Name] == white {
			visit(st.Name)
		}
	}
	return cycles
}
