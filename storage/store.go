package storage

import (
	"errors"
	"sort"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrTxNotFound is returned by GetTx when no such transaction is stored for
// the address.
var ErrTxNotFound = errors.New("transaction not found")

// Store persists the transactions of the addresses of one xpub, partitioned
// by (account, index). Implementations must be safe for concurrent use since
// distinct partitions are written in parallel during discovery.
type Store interface {
	// AppendTxs inserts txs and returns how many of them were not known.
	// A transaction already stored with a block is left untouched, a
	// pending one is replaced.
	AppendTxs(txs []*Tx) (int, error)

	// GetLastTx returns the most recent transaction of the partition
	// selected by query, or nil if there is none. Pending transactions
	// are more recent than confirmed ones unless query.Confirmed is set.
	GetLastTx(query TxQuery) (*Tx, error)

	// RemoveTxs drops every transaction of the partition.
	RemoveTxs(account, index uint32) error

	// RemovePendingTxs drops the unconfirmed transactions of the
	// partition.
	RemovePendingTxs(account, index uint32) error

	// GetUniquesAddresses returns every address with at least one stored
	// transaction, optionally restricted to one account, ordered by
	// account then index.
	GetUniquesAddresses(account fn.Option[uint32]) ([]Address, error)

	// GetAddressUnspentUtxos returns the outputs paying to address that no
	// stored input spends.
	GetAddressUnspentUtxos(address string) ([]Output, error)

	// GetTx returns the transaction hash stored for address.
	GetTx(address, hash string) (*Tx, error)

	// Export dumps the store content.
	Export() (*Export, error)

	// Load appends the content of an export.
	Load(data *Export) error
}

// lastTx picks the most recent transaction of a partition. txs must be in
// insertion order.
func lastTx(txs []*Tx, confirmed bool) *Tx {
	var last *Tx
	for _, tx := range txs {
		switch {
		case tx.IsPending() && confirmed:
			continue

		case last == nil:
			last = tx

		case tx.IsPending():
			last = tx

		// A confirmed transaction never supersedes a pending one.
		case last.IsPending():
			continue

		case tx.Block.Height >= last.Block.Height:
			last = tx
		}
	}

	return last
}

// unspentOutputs returns the outputs of txs paying to address that are not
// consumed by an input of txs.
func unspentOutputs(txs []*Tx, address string) []Output {
	spent := make(map[OutPoint]struct{})
	for _, tx := range txs {
		for i := range tx.Inputs {
			spent[tx.Inputs[i].OutPoint()] = struct{}{}
		}
	}

	var (
		utxos []Output
		seen  = make(map[OutPoint]struct{})
	)
	for _, tx := range txs {
		for _, output := range tx.Outputs {
			if output.Address != address {
				continue
			}

			outpoint := output.OutPoint()
			if _, ok := spent[outpoint]; ok {
				continue
			}
			if _, ok := seen[outpoint]; ok {
				continue
			}
			seen[outpoint] = struct{}{}

			output.Account = tx.Account
			output.Index = tx.Index
			output.BlockHeight = 0
			if tx.Block != nil {
				output.BlockHeight = tx.Block.Height
			}
			utxos = append(utxos, output)
		}
	}

	return utxos
}

// sortAddresses orders addresses by account then index.
func sortAddresses(addresses []Address) {
	sort.Slice(addresses, func(i, j int) bool {
		if addresses[i].Account != addresses[j].Account {
			return addresses[i].Account < addresses[j].Account
		}

		return addresses[i].Index < addresses[j].Index
	})
}

// accountMatches reports whether account passes the optional filter.
func accountMatches(filter fn.Option[uint32], account uint32) bool {
	return fn.ElimOption(filter, func() bool {
		return true
	}, func(want uint32) bool {
		return want == account
	})
}
