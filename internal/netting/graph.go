package netting

import (
	"sort"

	"github.com/clearrail/netting-api/internal/types"
	"github.com/shopspring/decimal"
)

// Graph is a directed weighted obligation graph for a single currency.
// Banks live in an index arena and edges are adjacency maps of
// (target index -> aggregated gross amount), so SCC computation and cycle
// detection are plain index operations. Graphs are rebuilt fresh for every
// window and never persisted.
type Graph struct {
	Currency string

	banks []string
	index map[string]int
	adj   []map[int]decimal.Decimal

	obligations int
}

// NewGraph creates an empty graph for the given currency
func NewGraph(currency string) *Graph {
	return &Graph{
		Currency: currency,
		index:    make(map[string]int),
	}
}

// BuildGraph aggregates a window's obligations for one currency into a
// directed graph with a single weighted edge per ordered bank pair.
// This is pure aggregation: no netting happens here, and the total edge
// weight equals the exact decimal sum of the input amounts.
func BuildGraph(currency string, obligations []types.Obligation) (*Graph, error) {
	g := NewGraph(currency)

	for _, ob := range obligations {
		if ob.Currency != currency {
			return nil, &GraphError{Currency: currency, Err: ErrCurrencyMismatch}
		}
		if !ob.Amount.IsPositive() {
			return nil, &GraphError{Currency: currency, Err: ErrNonPositiveAmount}
		}
		if ob.DebtorBank == ob.CreditorBank {
			return nil, &GraphError{Currency: currency, Err: ErrSelfObligation}
		}
		g.AddObligation(ob.DebtorBank, ob.CreditorBank, ob.Amount)
	}

	return g, nil
}

// AddObligation adds amount to the debtor->creditor edge, creating banks and
// the edge as needed
func (g *Graph) AddObligation(debtor, creditor string, amount decimal.Decimal) {
	from := g.nodeFor(debtor)
	to := g.nodeFor(creditor)

	if existing, ok := g.adj[from][to]; ok {
		g.adj[from][to] = existing.Add(amount)
	} else {
		g.adj[from][to] = amount
	}
	g.obligations++
}

func (g *Graph) nodeFor(bank string) int {
	if idx, ok := g.index[bank]; ok {
		return idx
	}
	idx := len(g.banks)
	g.index[bank] = idx
	g.banks = append(g.banks, bank)
	g.adj = append(g.adj, make(map[int]decimal.Decimal))
	return idx
}

// Bank returns the bank identifier for a node index
func (g *Graph) Bank(idx int) string {
	return g.banks[idx]
}

// NodeCount returns the number of banks in the arena
func (g *Graph) NodeCount() int {
	return len(g.banks)
}

// EdgeCount returns the number of directed edges with positive weight
func (g *Graph) EdgeCount() int {
	count := 0
	for _, edges := range g.adj {
		count += len(edges)
	}
	return count
}

// ObligationCount returns the number of raw obligations aggregated into the graph
func (g *Graph) ObligationCount() int {
	return g.obligations
}

// Weight returns the aggregated edge weight from one node to another, or
// zero when no edge exists
func (g *Graph) Weight(from, to int) decimal.Decimal {
	if w, ok := g.adj[from][to]; ok {
		return w
	}
	return decimal.Zero
}

// TotalVolume returns the exact sum of all edge weights
func (g *Graph) TotalVolume() decimal.Decimal {
	total := decimal.Zero
	for _, edges := range g.adj {
		for _, w := range edges {
			total = total.Add(w)
		}
	}
	return total
}

// neighbors returns the outgoing edge targets of a node in ascending index
// order. Sorted iteration keeps every traversal deterministic, which is what
// makes window reprocessing reproduce identical results.
func (g *Graph) neighbors(node int) []int {
	targets := make([]int, 0, len(g.adj[node]))
	for to := range g.adj[node] {
		targets = append(targets, to)
	}
	sort.Ints(targets)
	return targets
}

// setWeight replaces an edge weight, removing the edge when the weight is zero
func (g *Graph) setWeight(from, to int, w decimal.Decimal) {
	if w.IsZero() {
		delete(g.adj[from], to)
		return
	}
	g.adj[from][to] = w
}
