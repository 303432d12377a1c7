package coinselect

import (
	"context"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/xpubwallet/storage"
)

// maxBnBTries bounds the number of branches explored looking for a
// changeless selection.
const maxBnBTries = 100000

// CoinSelect minimizes the change of the transaction: it looks for a single
// output or a set of outputs covering the amount within the cost of a change
// output, and otherwise keeps the candidate with the least change.
type CoinSelect struct {
	filter
}

// A compile-time check to ensure CoinSelect implements the Strategy
// interface.
var _ Strategy = (*CoinSelect)(nil)

// NewCoinSelect returns the change minimizing strategy.
func NewCoinSelect(excluded ...storage.OutPoint) *CoinSelect {
	return &CoinSelect{filter: newFilter(excluded)}
}

// Name returns the strategy name.
func (c *CoinSelect) Name() string {
	return CoinSelectName
}

// SelectUnspentUtxosToUse runs an exact match, then a branch and bound
// search, then a least change fallback.
//
// NOTE: part of the Strategy interface.
func (c *CoinSelect) SelectUnspentUtxosToUse(ctx context.Context,
	src UtxoSource, amount, feePerByte btcutil.Amount,
	outputCount int) (*Selection, error) {

	fees := feeModel{
		mode:        src.Mode(),
		feePerByte:  feePerByte,
		outputCount: outputCount,
	}

	candidates, err := c.candidates(ctx, src, fees)
	if err != nil {
		return nil, err
	}

	// Largest first, the order both the search and the fallback use.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Value > candidates[j].Value
	})

	if sumValues(candidates) < amount+fees.fee(len(candidates)) {
		return nil, insufficientFunds(candidates, amount, fees)
	}

	if selection := exactMatch(candidates, amount, fees); selection != nil {
		log.Debugf("Exact single output match %v",
			selection.UnspentUtxos[0].OutPoint())
		return selection, nil
	}

	if selection := branchAndBound(candidates, amount, fees); selection != nil {
		log.Debugf("Changeless selection of %d outputs found",
			len(selection.UnspentUtxos))
		return selection, nil
	}

	return leastChange(candidates, amount, fees)
}

// exactMatch returns the single candidate covering amount with the smallest
// excess, if that excess is below the cost of change.
func exactMatch(candidates []storage.Output, amount btcutil.Amount,
	fees feeModel) *Selection {

	target := amount + fees.fee(1)
	limit := target + fees.costOfChange()

	best := -1
	for i, utxo := range candidates {
		if utxo.Value < target || utxo.Value > limit {
			continue
		}
		if best == -1 || utxo.Value < candidates[best].Value {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	return newSelection(
		[]storage.Output{candidates[best]}, amount, fees,
	)
}

// branchAndBound searches the candidates, sorted by descending value, for a
// set whose value covers amount and its fee with an excess below the cost of
// change.
func branchAndBound(candidates []storage.Output, amount btcutil.Amount,
	fees feeModel) *Selection {

	n := len(candidates)
	if n == 0 {
		return nil
	}

	// remaining[i] is the value left in candidates[i:].
	remaining := make([]btcutil.Amount, n+1)
	for i := n - 1; i >= 0; i-- {
		remaining[i] = remaining[i+1] + candidates[i].Value
	}

	var (
		tries        int
		included     = make([]bool, n)
		best         []bool
		bestWaste    btcutil.Amount
		costOfChange = fees.costOfChange()
	)

	var search func(depth, count int, total btcutil.Amount)
	search = func(depth, count int, total btcutil.Amount) {
		tries++
		if tries > maxBnBTries {
			return
		}

		if count > 0 {
			target := amount + fees.fee(count)
			switch {
			// Over the window, adding more only makes it worse.
			case total > target+costOfChange:
				return

			case total >= target:
				waste := total - target
				if best == nil || waste < bestWaste {
					best = append([]bool(nil), included...)
					bestWaste = waste
				}
				return
			}
		}

		if depth == n {
			return
		}

		// Not reachable even with every remaining candidate.
		if total+remaining[depth] < amount+fees.fee(count) {
			return
		}

		included[depth] = true
		search(depth+1, count+1, total+candidates[depth].Value)
		included[depth] = false

		if best != nil && bestWaste == 0 {
			return
		}
		search(depth+1, count, total)
	}
	search(0, 0, 0)

	if best == nil {
		return nil
	}

	var selected []storage.Output
	for i, ok := range best {
		if ok {
			selected = append(selected, candidates[i])
		}
	}

	return newSelection(selected, amount, fees)
}

// leastChange compares the smallest single candidate covering the amount
// with a largest first accumulation and keeps the one with less change.
func leastChange(candidates []storage.Output, amount btcutil.Amount,
	fees feeModel) (*Selection, error) {

	accumulated, err := accumulate(candidates, amount, fees)
	if err != nil {
		return nil, err
	}

	// Candidates are sorted by descending value, the last covering one is
	// the smallest.
	var single *Selection
	target := amount + fees.fee(1)
	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i].Value >= target {
			single = newSelection(
				[]storage.Output{candidates[i]}, amount, fees,
			)
			break
		}
	}

	if single == nil {
		return accumulated, nil
	}

	change := func(s *Selection) btcutil.Amount {
		return s.TotalValue - amount - s.Fee
	}
	if change(single) <= change(accumulated) {
		return single, nil
	}

	return accumulated, nil
}
