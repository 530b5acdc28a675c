package netting

import (
	"sort"

	"github.com/clearrail/netting-api/internal/types"
	"github.com/shopspring/decimal"
)

// PairPosition is the single remaining signed obligation between two banks
// after all offsetting. BankA always sorts before BankB so a pair has exactly
// one canonical row.
type PairPosition struct {
	BankA     string
	BankB     string
	Currency  string
	GrossAToB decimal.Decimal
	GrossBToA decimal.Decimal
	NetAmount decimal.Decimal
	NetPayer  string
}

// NetPositions collapses any remaining bidirectional edges of the reduced
// graph into one net obligation per unordered bank pair. A direct bilateral
// imbalance is not a cycle under the strict SCC definition, so this explicit
// final pass handles it: net = |gross(a->b) - gross(b->a)|, payer = the side
// with the larger outgoing gross. Pairs whose grosses cancel exactly are
// fully settled and emit nothing.
func NetPositions(g *Graph) []PairPosition {
	seen := make(map[[2]int]bool)
	var positions []PairPosition

	for from := 0; from < g.NodeCount(); from++ {
		for _, to := range g.neighbors(from) {
			key := [2]int{from, to}
			if from > to {
				key = [2]int{to, from}
			}
			if seen[key] {
				continue
			}
			seen[key] = true

			a, b := key[0], key[1]
			bankA, bankB := g.Bank(a), g.Bank(b)
			if bankA > bankB {
				a, b = b, a
				bankA, bankB = bankB, bankA
			}

			grossAB := g.Weight(a, b)
			grossBA := g.Weight(b, a)

			net := grossAB.Sub(grossBA)
			if net.IsZero() {
				continue
			}

			payer := bankA
			if net.IsNegative() {
				payer = bankB
				net = net.Neg()
			}

			positions = append(positions, PairPosition{
				BankA:     bankA,
				BankB:     bankB,
				Currency:  g.Currency,
				GrossAToB: grossAB,
				GrossBToA: grossBA,
				NetAmount: net,
				NetPayer:  payer,
			})
		}
	}

	sort.Slice(positions, func(i, j int) bool {
		if positions[i].BankA != positions[j].BankA {
			return positions[i].BankA < positions[j].BankA
		}
		return positions[i].BankB < positions[j].BankB
	})

	return positions
}

// TotalNet returns the exact sum of the net amounts across positions
func TotalNet(positions []PairPosition) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.NetAmount)
	}
	return total
}

// Efficiency returns the fraction of gross volume eliminated by netting,
// in [0, 1]. A window with zero gross volume nets nothing and reports zero.
func Efficiency(gross, net decimal.Decimal) float64 {
	if !gross.IsPositive() {
		return 0
	}
	ratio, _ := gross.Sub(net).Div(gross).Float64()
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// VerifyConservation checks that the signed per-bank exposure of the final
// positions equals the exposure computed directly from the raw obligations.
// Netting moves value around a currency graph but must never create or
// destroy it; any mismatch is a fatal defect.
func VerifyConservation(obligations []types.Obligation, positions []PairPosition) error {
	exposure := make(map[string]decimal.Decimal)

	for _, ob := range obligations {
		exposure[ob.DebtorBank] = amountOr(exposure, ob.DebtorBank).Sub(ob.Amount)
		exposure[ob.CreditorBank] = amountOr(exposure, ob.CreditorBank).Add(ob.Amount)
	}

	for _, p := range positions {
		receiver := p.BankA
		if p.NetPayer == p.BankA {
			receiver = p.BankB
		}
		exposure[p.NetPayer] = amountOr(exposure, p.NetPayer).Add(p.NetAmount)
		exposure[receiver] = amountOr(exposure, receiver).Sub(p.NetAmount)
	}

	for _, residual := range exposure {
		if !residual.IsZero() {
			return ErrConservationViolated
		}
	}
	return nil
}

func amountOr(m map[string]decimal.Decimal, bank string) decimal.Decimal {
	if v, ok := m[bank]; ok {
		return v
	}
	return decimal.Zero
}
