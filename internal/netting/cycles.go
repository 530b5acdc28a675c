package netting

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// CycleReport summarizes one currency's cycle elimination pass
type CycleReport struct {
	Currency        string          `json:"currency"`
	Components      int             `json:"components"`
	CyclesCancelled int             `json:"cycles_cancelled"`
	VolumeRemoved   decimal.Decimal `json:"volume_removed"`
	EdgesRemaining  int             `json:"edges_remaining"`
}

// EliminateCycles reduces the graph by cancelling circular flows in place.
// Money that travels in a circle never needs to physically move, so for every
// strongly connected component with more than one bank it repeatedly finds a
// directed cycle, subtracts the minimum edge weight along it from every cycle
// edge, and drops edges that reach exactly zero. Each iteration removes at
// least one edge, which bounds the loop at |E| iterations per component.
//
// All arithmetic is exact decimal. A negative residual or a busted iteration
// budget indicates a conservation bug and returns a CycleError; it is never
// clamped or retried.
func EliminateCycles(g *Graph) (*CycleReport, error) {
	logger := log.With().
		Str("currency", g.Currency).
		Str("component", "cycle_optimizer").
		Logger()

	report := &CycleReport{
		Currency:      g.Currency,
		VolumeRemoved: decimal.Zero,
	}

	components := g.stronglyConnectedComponents()
	report.Components = len(components)

	for _, component := range components {
		if len(component) < 2 {
			continue
		}

		removed, cancelled, err := g.cancelComponentCycles(component)
		if err != nil {
			logger.Error().Err(err).
				Int("component_size", len(component)).
				Msg("cycle cancellation aborted")
			return nil, &CycleError{Currency: g.Currency, Err: err}
		}

		report.VolumeRemoved = report.VolumeRemoved.Add(removed)
		report.CyclesCancelled += cancelled

		logger.Debug().
			Int("component_size", len(component)).
			Int("cycles_cancelled", cancelled).
			Str("volume_removed", removed.String()).
			Msg("reduced strongly connected component")
	}

	report.EdgesRemaining = g.EdgeCount()
	return report, nil
}

// stronglyConnectedComponents runs Kosaraju's two-pass algorithm: an
// iterative forward DFS to compute finish order, then a reverse-graph DFS in
// reverse finish order to collect components.
func (g *Graph) stronglyConnectedComponents() [][]int {
	n := g.NodeCount()
	visited := make([]bool, n)
	order := make([]int, 0, n)

	type frame struct {
		node int
		next int
	}

	// First pass: finish order on the forward graph
	for start := 0; start < n; start++ {
		if visited[start] {
			continue
		}
		visited[start] = true
		stack := []frame{{node: start}}
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			targets := g.neighbors(f.node)
			advanced := false
			for f.next < len(targets) {
				to := targets[f.next]
				f.next++
				if !visited[to] {
					visited[to] = true
					stack = append(stack, frame{node: to})
					advanced = true
					break
				}
			}
			if !advanced {
				order = append(order, f.node)
				stack = stack[:len(stack)-1]
			}
		}
	}

	// Reverse adjacency
	radj := make([][]int, n)
	for from := 0; from < n; from++ {
		for _, to := range g.neighbors(from) {
			radj[to] = append(radj[to], from)
		}
	}

	// Second pass: collect components in reverse finish order
	assigned := make([]bool, n)
	var components [][]int
	for i := len(order) - 1; i >= 0; i-- {
		root := order[i]
		if assigned[root] {
			continue
		}
		component := []int{}
		stack := []int{root}
		assigned[root] = true
		for len(stack) > 0 {
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, v)
			for _, w := range radj[v] {
				if !assigned[w] {
					assigned[w] = true
					stack = append(stack, w)
				}
			}
		}
		components = append(components, component)
	}

	return components
}

// cancelComponentCycles repeatedly finds and cancels a directed cycle within
// one strongly connected component until its subgraph is acyclic
func (g *Graph) cancelComponentCycles(component []int) (decimal.Decimal, int, error) {
	inComponent := make([]bool, g.NodeCount())
	budget := 0
	for _, v := range component {
		inComponent[v] = true
	}
	for _, v := range component {
		for _, to := range g.neighbors(v) {
			if inComponent[to] {
				budget++
			}
		}
	}

	removed := decimal.Zero
	cancelled := 0

	for iteration := 0; ; iteration++ {
		if iteration > budget {
			return decimal.Zero, 0, ErrCycleBudgetExceeded
		}

		cycle := g.findCycle(component, inComponent)
		if cycle == nil {
			break
		}

		// Minimum edge weight along the cycle
		min := g.Weight(cycle[len(cycle)-1], cycle[0])
		for i := 0; i < len(cycle)-1; i++ {
			w := g.Weight(cycle[i], cycle[i+1])
			if w.LessThan(min) {
				min = w
			}
		}

		// Subtract the minimum from every cycle edge; the minimum-weight
		// edge hits exactly zero and is removed
		for i := 0; i < len(cycle); i++ {
			from := cycle[i]
			to := cycle[(i+1)%len(cycle)]
			residual := g.Weight(from, to).Sub(min)
			if residual.IsNegative() {
				return decimal.Zero, 0, ErrNegativeResidual
			}
			g.setWeight(from, to, residual)
		}

		removed = removed.Add(min.Mul(decimal.NewFromInt(int64(len(cycle)))))
		cancelled++
	}

	return removed, cancelled, nil
}

// findCycle searches for any directed cycle within the component using
// iterative DFS back-edge detection. It returns the cycle as a node sequence
// (closing edge runs from the last node back to the first), or nil when the
// component subgraph is acyclic.
func (g *Graph) findCycle(component []int, inComponent []bool) []int {
	const (
		white = iota
		gray
		black
	)

	state := make(map[int]int, len(component))

	type frame struct {
		node int
		next int
	}

	for _, start := range component {
		if state[start] != white {
			continue
		}

		state[start] = gray
		stack := []frame{{node: start}}
		path := []int{start}

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			targets := g.neighbors(f.node)
			advanced := false

			for f.next < len(targets) {
				to := targets[f.next]
				f.next++
				if !inComponent[to] {
					continue
				}
				if state[to] == gray {
					// Back edge: the cycle is the path suffix starting at to
					for i, v := range path {
						if v == to {
							return append([]int(nil), path[i:]...)
						}
					}
				}
				if state[to] == white {
					state[to] = gray
					stack = append(stack, frame{node: to})
					path = append(path, to)
					advanced = true
					break
				}
			}

			if !advanced {
				state[f.node] = black
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
			}
		}
	}

	return nil
}
