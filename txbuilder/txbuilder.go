package txbuilder

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/xpubwallet/coinselect"
	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/storage"
)

// ErrInvalidAmount is returned when a non positive amount is requested.
var ErrInvalidAmount = errors.New("amount must be positive")

// InvalidAddressError is returned when the destination or the change
// address has no output script on the currency.
type InvalidAddressError struct {
	Address string
	Err     error
}

// Error returns a human-readable string describing the error.
func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %v", e.Address, e.Err)
}

// Unwrap returns the underlying derivation error.
func (e *InvalidAddressError) Unwrap() error {
	return e.Err
}

// Source is the xpub a transaction is built from.
type Source interface {
	coinselect.UtxoSource

	// WaitSynced blocks until no full sync is running.
	WaitSynced(ctx context.Context) error

	// GetTx returns the stored transaction hash as seen from address.
	GetTx(address, hash string) (*storage.Tx, error)

	// GetTxHex returns the raw hex of a transaction.
	GetTxHex(ctx context.Context, hash string) (string, error)

	// Deriver returns the deriver of the xpub currency.
	Deriver() *derivation.Deriver
}

// Params describes a spend.
type Params struct {
	// DestAddress receives Amount.
	DestAddress string

	// Amount is the value sent to DestAddress.
	Amount btcutil.Amount

	// FeePerByte is the fee rate in satoshis per virtual byte.
	FeePerByte btcutil.Amount

	// ChangeAddress receives the change, if any.
	ChangeAddress storage.Address

	// Strategy selects the inputs.
	Strategy coinselect.Strategy

	// Sequence is set on every input. It defaults to
	// wire.MaxTxInSequenceNum.
	Sequence fn.Option[uint32]
}

// InputInfo is a spent output together with what the signer needs.
type InputInfo struct {
	TxHex       string         `json:"tx_hex"`
	OutputHash  string         `json:"output_hash"`
	OutputIndex uint32         `json:"output_index"`
	Value       btcutil.Amount `json:"value"`
	Address     string         `json:"address"`
	Sequence    uint32         `json:"sequence"`
}

// OutputInfo is an output of the built transaction.
type OutputInfo struct {
	Script   []byte         `json:"script"`
	Value    btcutil.Amount `json:"value"`
	Address  string         `json:"address"`
	IsChange bool           `json:"is_change"`
}

// Derivation is the position of an address under the xpub.
type Derivation struct {
	Account uint32 `json:"account"`
	Index   uint32 `json:"index"`
}

// TransactionInfo is an unsigned transaction.
type TransactionInfo struct {
	Inputs  []InputInfo  `json:"inputs"`
	Outputs []OutputInfo `json:"outputs"`

	// AssociatedDerivations holds the derivation of each input, in input
	// order.
	AssociatedDerivations []Derivation `json:"associated_derivations"`

	// Fee is the residual of the inputs over the outputs.
	Fee btcutil.Amount `json:"fee"`

	ChangeAddress storage.Address `json:"change_address"`
}

// HasChange reports whether the transaction has a change output.
func (t *TransactionInfo) HasChange() bool {
	for _, output := range t.Outputs {
		if output.IsChange {
			return true
		}
	}

	return false
}

// Builder builds unsigned transactions spending the outputs of an xpub.
type Builder struct {
	src Source
}

// NewBuilder returns a builder over src.
func NewBuilder(src Source) *Builder {
	return &Builder{src: src}
}

// splitAmount splits amount into outputs of at most valueMax.
func splitAmount(amount, valueMax btcutil.Amount) []btcutil.Amount {
	var values []btcutil.Amount
	for amount > 0 {
		value := amount
		if value > valueMax {
			value = valueMax
		}
		values = append(values, value)
		amount -= value
	}

	return values
}

// outputScript returns the output script of address.
func (b *Builder) outputScript(address string) ([]byte, error) {
	script, err := b.src.Deriver().ToOutputScript(address)
	if err != nil {
		return nil, &InvalidAddressError{Address: address, Err: err}
	}

	return script, nil
}

// BuildTx selects inputs and builds the unsigned transaction described by
// params. It never signs nor broadcasts.
func (b *Builder) BuildTx(ctx context.Context,
	params Params) (*TransactionInfo, error) {

	if params.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if params.Strategy == nil {
		return nil, errors.New("no coin selection strategy")
	}

	destScript, err := b.outputScript(params.DestAddress)
	if err != nil {
		return nil, err
	}
	changeScript, err := b.outputScript(params.ChangeAddress.Address)
	if err != nil {
		return nil, err
	}

	if err := b.src.WaitSynced(ctx); err != nil {
		return nil, err
	}

	currency := b.src.Deriver().Currency()

	var outputs []OutputInfo
	for _, value := range splitAmount(
		params.Amount, currency.OutputValueMax(),
	) {
		outputs = append(outputs, OutputInfo{
			Script:  destScript,
			Value:   value,
			Address: params.DestAddress,
		})
	}

	selection, err := params.Strategy.SelectUnspentUtxosToUse(
		ctx, b.src, params.Amount, params.FeePerByte, len(outputs),
	)
	if err != nil {
		return nil, err
	}

	sequence := params.Sequence.UnwrapOr(wire.MaxTxInSequenceNum)

	txInfo := &TransactionInfo{
		ChangeAddress: params.ChangeAddress,
	}
	for _, utxo := range selection.UnspentUtxos {
		txHex, err := b.src.GetTxHex(ctx, utxo.OutputHash)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch input %v: %w",
				utxo.OutPoint(), err)
		}

		tx, err := b.src.GetTx(utxo.Address, utxo.OutputHash)
		if err != nil {
			return nil, fmt.Errorf("unable to find input %v: %w",
				utxo.OutPoint(), err)
		}

		txInfo.Inputs = append(txInfo.Inputs, InputInfo{
			TxHex:       txHex,
			OutputHash:  utxo.OutputHash,
			OutputIndex: utxo.OutputIndex,
			Value:       utxo.Value,
			Address:     utxo.Address,
			Sequence:    sequence,
		})
		txInfo.AssociatedDerivations = append(
			txInfo.AssociatedDerivations, Derivation{
				Account: tx.Account,
				Index:   tx.Index,
			},
		)
	}

	size := coinselect.EstimateTxSize(
		len(txInfo.Inputs), len(outputs)+1, b.src.Mode(),
	)
	dust := coinselect.ComputeDustAmount(currency, size)

	change := selection.TotalValue - params.Amount - selection.Fee
	if selection.NeedChangeOutput && change > dust {
		outputs = append(outputs, OutputInfo{
			Script:   changeScript,
			Value:    change,
			Address:  params.ChangeAddress.Address,
			IsChange: true,
		})
	} else if change > 0 {
		log.Debugf("Abandoning change of %v below dust %v to the fee",
			change, dust)
	}
	txInfo.Outputs = outputs

	var spent btcutil.Amount
	for _, output := range outputs {
		spent += output.Value
	}
	txInfo.Fee = selection.TotalValue - spent

	log.Infof("Built tx with %d inputs, %d outputs, fee %v using %v",
		len(txInfo.Inputs), len(txInfo.Outputs), txInfo.Fee,
		params.Strategy.Name())

	return txInfo, nil
}

// ToPsbt returns the unsigned transaction as a PSBT packet carrying the
// previous transaction of every input, and the spent output for witness
// inputs.
func (t *TransactionInfo) ToPsbt() (*psbt.Packet, error) {
	outpoints := make([]*wire.OutPoint, 0, len(t.Inputs))
	sequences := make([]uint32, 0, len(t.Inputs))
	prevTxs := make([]*wire.MsgTx, 0, len(t.Inputs))
	for _, input := range t.Inputs {
		hash, err := chainhash.NewHashFromStr(input.OutputHash)
		if err != nil {
			return nil, err
		}

		rawTx, err := hex.DecodeString(input.TxHex)
		if err != nil {
			return nil, err
		}
		prevTx := wire.NewMsgTx(wire.TxVersion)
		if err := prevTx.Deserialize(bytes.NewReader(rawTx)); err != nil {
			return nil, err
		}
		if int(input.OutputIndex) >= len(prevTx.TxOut) {
			return nil, fmt.Errorf("input %v:%d out of range",
				input.OutputHash, input.OutputIndex)
		}

		outpoints = append(outpoints, wire.NewOutPoint(
			hash, input.OutputIndex,
		))
		sequences = append(sequences, input.Sequence)
		prevTxs = append(prevTxs, prevTx)
	}

	txOuts := make([]*wire.TxOut, 0, len(t.Outputs))
	for _, output := range t.Outputs {
		txOuts = append(txOuts, wire.NewTxOut(
			int64(output.Value), output.Script,
		))
	}

	packet, err := psbt.New(outpoints, txOuts, 2, 0, sequences)
	if err != nil {
		return nil, err
	}

	for i, prevTx := range prevTxs {
		spent := prevTx.TxOut[t.Inputs[i].OutputIndex]

		packet.Inputs[i].NonWitnessUtxo = prevTx
		if txscript.IsWitnessProgram(spent.PkScript) {
			packet.Inputs[i].WitnessUtxo = spent
		}
	}

	return packet, nil
}
