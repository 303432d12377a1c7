package coinselect

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/storage"
)

// ErrInsufficientFunds is returned when the spendable outputs of an xpub do
// not cover the requested amount and the fee of spending all of them.
type ErrInsufficientFunds struct {
	// Available is the total value of the candidate outputs.
	Available btcutil.Amount

	// Needed is the amount plus the fee of a transaction spending every
	// candidate output.
	Needed btcutil.Amount
}

// Error returns a human-readable string describing the error.
func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds: need %v, only have %v "+
		"available", e.Needed, e.Available)
}

// UtxoSource is the view of an xpub coin selection works on.
type UtxoSource interface {
	// GetXpubUtxos returns every unspent output of the xpub.
	GetXpubUtxos(ctx context.Context) ([]storage.Output, error)

	// Mode returns the script type of the xpub outputs.
	Mode() derivation.Mode
}

// Selection is the result of a coin selection.
type Selection struct {
	// UnspentUtxos are the outputs to spend.
	UnspentUtxos []storage.Output

	// TotalValue is the sum of the selected output values.
	TotalValue btcutil.Amount

	// Fee is the estimated fee of the transaction spending the selection
	// into the requested outputs plus a change output.
	Fee btcutil.Amount

	// NeedChangeOutput is set when TotalValue exceeds the amount plus the
	// fee.
	NeedChangeOutput bool
}

// Strategy picks the outputs funding a spend.
type Strategy interface {
	// Name returns the name the strategy is registered under.
	Name() string

	// SelectUnspentUtxosToUse selects outputs of src covering amount
	// plus the fee of a transaction with outputCount destination
	// outputs and a change output at feePerByte.
	SelectUnspentUtxosToUse(ctx context.Context, src UtxoSource, amount,
		feePerByte btcutil.Amount, outputCount int) (*Selection, error)
}

// Strategy names.
const (
	MergeName      = "merge"
	DeepFirstName  = "deepfirst"
	CoinSelectName = "coinselect"
)

// StrategyByName returns the strategy called name, never selecting one of
// the excluded outpoints.
func StrategyByName(name string, excluded ...storage.OutPoint) (Strategy,
	error) {

	switch strings.ToLower(name) {
	case MergeName:
		return NewMerge(excluded...), nil

	case DeepFirstName:
		return NewDeepFirst(excluded...), nil

	case CoinSelectName:
		return NewCoinSelect(excluded...), nil

	default:
		return nil, fmt.Errorf("unknown coin selection strategy %q",
			name)
	}
}

// feeModel computes the fee of a transaction of a fixed output count as a
// function of its input count.
type feeModel struct {
	mode        derivation.Mode
	feePerByte  btcutil.Amount
	outputCount int
}

// fee returns the fee of a transaction with inputs inputs and the
// destination outputs plus a change output.
func (f feeModel) fee(inputs int) btcutil.Amount {
	size := EstimateTxSize(inputs, f.outputCount+1, f.mode)

	return FeeForSize(f.feePerByte, size)
}

// inputFee is the fee paid for adding one input.
func (f feeModel) inputFee() btcutil.Amount {
	return f.feePerByte * btcutil.Amount(inputSize(f.mode))
}

// costOfChange is the fee of creating a change output and later spending
// it.
func (f feeModel) costOfChange() btcutil.Amount {
	return f.feePerByte * btcutil.Amount(
		outputSize(f.mode)+inputSize(f.mode),
	)
}

// filter holds the outpoints a strategy never selects.
type filter struct {
	excluded map[storage.OutPoint]struct{}
}

func newFilter(excluded []storage.OutPoint) filter {
	f := filter{excluded: make(map[storage.OutPoint]struct{})}
	for _, outpoint := range excluded {
		f.excluded[outpoint] = struct{}{}
	}

	return f
}

// candidates returns the outputs of src that are worth spending: neither
// excluded, nor unconfirmed and replaceable, nor worth less than the fee of
// their input.
func (f filter) candidates(ctx context.Context, src UtxoSource,
	fees feeModel) ([]storage.Output, error) {

	utxos, err := src.GetXpubUtxos(ctx)
	if err != nil {
		return nil, err
	}

	inputFee := fees.inputFee()

	return fn.Filter(utxos, func(utxo storage.Output) bool {
		if _, ok := f.excluded[utxo.OutPoint()]; ok {
			return false
		}
		if utxo.BlockHeight == 0 && utxo.RBF {
			log.Tracef("Skipping replaceable pending output %v",
				utxo.OutPoint())
			return false
		}
		if utxo.Value <= inputFee {
			log.Tracef("Skipping uneconomic output %v of %v",
				utxo.OutPoint(), utxo.Value)
			return false
		}

		return true
	}), nil
}

// sumValues returns the total value of utxos.
func sumValues(utxos []storage.Output) btcutil.Amount {
	var total btcutil.Amount
	for _, utxo := range utxos {
		total += utxo.Value
	}

	return total
}

// newSelection builds the selection of utxos for amount.
func newSelection(utxos []storage.Output, amount btcutil.Amount,
	fees feeModel) *Selection {

	total := sumValues(utxos)
	fee := fees.fee(len(utxos))

	return &Selection{
		UnspentUtxos:     utxos,
		TotalValue:       total,
		Fee:              fee,
		NeedChangeOutput: total > amount+fee,
	}
}

// insufficientFunds returns the error reported when all of candidates do
// not cover amount.
func insufficientFunds(candidates []storage.Output, amount btcutil.Amount,
	fees feeModel) error {

	return &ErrInsufficientFunds{
		Available: sumValues(candidates),
		Needed:    amount + fees.fee(len(candidates)),
	}
}

// accumulate selects candidates in order until they cover amount and the
// fee of spending them.
func accumulate(candidates []storage.Output, amount btcutil.Amount,
	fees feeModel) (*Selection, error) {

	var total btcutil.Amount
	for i, utxo := range candidates {
		total += utxo.Value
		if total >= amount+fees.fee(i+1) {
			selected := append([]storage.Output(nil),
				candidates[:i+1]...)

			return newSelection(selected, amount, fees), nil
		}
	}

	return nil, insufficientFunds(candidates, amount, fees)
}

// selectSorted runs an accumulative selection over the candidates of src
// ordered by less.
func (f filter) selectSorted(ctx context.Context, src UtxoSource, amount,
	feePerByte btcutil.Amount, outputCount int,
	less func(a, b *storage.Output) bool) (*Selection, error) {

	fees := feeModel{
		mode:        src.Mode(),
		feePerByte:  feePerByte,
		outputCount: outputCount,
	}

	candidates, err := f.candidates(ctx, src, fees)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return less(&candidates[i], &candidates[j])
	})

	return accumulate(candidates, amount, fees)
}

// Merge spends the smallest outputs first, consolidating low value outputs.
type Merge struct {
	filter
}

// A compile-time check to ensure Merge implements the Strategy interface.
var _ Strategy = (*Merge)(nil)

// NewMerge returns the merge strategy.
func NewMerge(excluded ...storage.OutPoint) *Merge {
	return &Merge{filter: newFilter(excluded)}
}

// Name returns the strategy name.
func (m *Merge) Name() string {
	return MergeName
}

// SelectUnspentUtxosToUse accumulates candidates by ascending value.
//
// NOTE: part of the Strategy interface.
func (m *Merge) SelectUnspentUtxosToUse(ctx context.Context, src UtxoSource,
	amount, feePerByte btcutil.Amount, outputCount int) (*Selection,
	error) {

	return m.selectSorted(ctx, src, amount, feePerByte, outputCount,
		func(a, b *storage.Output) bool {
			return a.Value < b.Value
		},
	)
}

// DeepFirst spends the oldest outputs first.
type DeepFirst struct {
	filter
}

// A compile-time check to ensure DeepFirst implements the Strategy
// interface.
var _ Strategy = (*DeepFirst)(nil)

// NewDeepFirst returns the deep first strategy.
func NewDeepFirst(excluded ...storage.OutPoint) *DeepFirst {
	return &DeepFirst{filter: newFilter(excluded)}
}

// Name returns the strategy name.
func (d *DeepFirst) Name() string {
	return DeepFirstName
}

// SelectUnspentUtxosToUse accumulates candidates by ascending block height,
// unconfirmed outputs last.
//
// NOTE: part of the Strategy interface.
func (d *DeepFirst) SelectUnspentUtxosToUse(ctx context.Context,
	src UtxoSource, amount, feePerByte btcutil.Amount,
	outputCount int) (*Selection, error) {

	return d.selectSorted(ctx, src, amount, feePerByte, outputCount,
		func(a, b *storage.Output) bool {
			switch {
			case a.BlockHeight == 0:
				return false

			case b.BlockHeight == 0:
				return true

			default:
				return a.BlockHeight < b.BlockHeight
			}
		},
	)
}
