package coinselect

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/xpubwallet/derivation"
)

const (
	// p2trPkScriptSize is the size of a taproot output script:
	// OP_1 OP_DATA_32 <32-byte x-only key>.
	p2trPkScriptSize = 1 + 1 + 32
)

// PkScriptSize returns the size of the output script of mode.
func PkScriptSize(mode derivation.Mode) int {
	switch mode {
	case derivation.ModeSegwit:
		return txsizes.NestedP2WPKHPkScriptSize

	case derivation.ModeNativeSegwit:
		return txsizes.P2WPKHPkScriptSize

	case derivation.ModeTaproot:
		return p2trPkScriptSize

	default:
		return txsizes.P2PKHPkScriptSize
	}
}

// EstimateTxSize estimates the virtual size of a transaction spending
// inputs outputs of mode into outputs outputs of the same script type.
func EstimateTxSize(inputs, outputs int, mode derivation.Mode) int {
	txOuts := make([]*wire.TxOut, outputs)
	for i := range txOuts {
		txOuts[i] = wire.NewTxOut(0, make([]byte, PkScriptSize(mode)))
	}

	var p2pkh, p2tr, p2wpkh, nested int
	switch mode {
	case derivation.ModeSegwit:
		nested = inputs

	case derivation.ModeNativeSegwit:
		p2wpkh = inputs

	case derivation.ModeTaproot:
		p2tr = inputs

	default:
		p2pkh = inputs
	}

	return txsizes.EstimateVirtualSize(
		p2pkh, p2tr, p2wpkh, nested, txOuts, 0,
	)
}

// FeeForSize returns the fee of a transaction of size virtual bytes.
func FeeForSize(feePerByte btcutil.Amount, size int) btcutil.Amount {
	return txrules.FeeForSerializeSize(feePerByte*1000, size)
}

// inputSize is the marginal virtual size of one input of mode.
func inputSize(mode derivation.Mode) int {
	return EstimateTxSize(2, 1, mode) - EstimateTxSize(1, 1, mode)
}

// outputSize is the marginal virtual size of one output of mode.
func outputSize(mode derivation.Mode) int {
	return EstimateTxSize(1, 2, mode) - EstimateTxSize(1, 1, mode)
}

// ComputeDustAmount returns the value below which a change output of a
// transaction of txSize virtual bytes is abandoned to the fee.
func ComputeDustAmount(currency derivation.Currency,
	txSize int) btcutil.Amount {

	threshold := currency.DustThreshold()

	switch currency.DustPolicy() {
	case derivation.DustPolicyFixed:
		return threshold

	default:
		kbytes := (txSize + 999) / 1000
		return btcutil.Amount(kbytes) * threshold
	}
}
