package explorer

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/xpubwallet/storage"
)

// signalsRBF reports whether any input of info opts in to replacement as
// defined by BIP125.
func signalsRBF(info *TxInfo) bool {
	for _, vin := range info.Vin {
		if vin.Sequence < wire.MaxTxInSequenceNum-1 {
			return true
		}
	}

	return false
}

// toStorageTx converts an API transaction into the record stored for
// address. receivedAt is used for unconfirmed transactions.
func toStorageTx(info *TxInfo, address storage.Address,
	receivedAt time.Time) *storage.Tx {

	tx := &storage.Tx{
		Hash:       info.TxID,
		Address:    address.Address,
		Account:    address.Account,
		Index:      address.Index,
		ReceivedAt: receivedAt,
		Fees:       btcutil.Amount(info.Fee),
	}

	var height int64
	if info.Status.Confirmed {
		blockTime := time.Unix(info.Status.BlockTime, 0).UTC()
		tx.Block = &storage.Block{
			Hash:   info.Status.BlockHash,
			Height: info.Status.BlockHeight,
			Time:   blockTime,
		}
		tx.ReceivedAt = blockTime
		height = info.Status.BlockHeight
	}

	for _, vin := range info.Vin {
		if vin.IsCoinbase {
			continue
		}

		input := storage.Input{
			OutputHash:  vin.TxID,
			OutputIndex: vin.Vout,
			Sequence:    vin.Sequence,
		}
		if vin.PrevOut != nil {
			input.Value = btcutil.Amount(vin.PrevOut.Value)
			input.Address = vin.PrevOut.ScriptPubKeyAddr
		}
		tx.Inputs = append(tx.Inputs, input)
	}

	rbf := !info.Status.Confirmed && signalsRBF(info)
	for i, vout := range info.Vout {
		tx.Outputs = append(tx.Outputs, storage.Output{
			OutputHash:  info.TxID,
			OutputIndex: uint32(i),
			Value:       btcutil.Amount(vout.Value),
			Address:     vout.ScriptPubKeyAddr,
			ScriptHex:   vout.ScriptPubKey,
			BlockHeight: height,
			RBF:         rbf,
			Account:     address.Account,
			Index:       address.Index,
		})
	}

	return tx
}
