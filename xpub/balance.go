package xpub

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/xpubwallet/storage"
)

// WaitSynced blocks until no full xpub sync is running.
func (x *Xpub) WaitSynced(ctx context.Context) error {
	return x.scopes.waitIdle(ctx, allScope)
}

// sumUnspent adds the values of the unspent outputs of addresses.
func (x *Xpub) sumUnspent(addresses []storage.Address) (btcutil.Amount,
	error) {

	var total btcutil.Amount
	for _, address := range addresses {
		utxos, err := x.cfg.Store.GetAddressUnspentUtxos(
			address.Address,
		)
		if err != nil {
			return 0, err
		}

		for _, utxo := range utxos {
			total += utxo.Value
		}
	}

	return total, nil
}

// GetXpubBalance returns the sum of the unspent outputs of every address,
// pending ones included. It waits for a running full sync first.
func (x *Xpub) GetXpubBalance(ctx context.Context) (btcutil.Amount, error) {
	if err := x.scopes.waitIdle(ctx, allScope); err != nil {
		return 0, err
	}

	addresses, err := x.cfg.Store.GetUniquesAddresses(fn.None[uint32]())
	if err != nil {
		return 0, err
	}

	return x.sumUnspent(addresses)
}

// GetAccountBalance returns the balance of one account. It waits for a
// running sync of the account first.
func (x *Xpub) GetAccountBalance(ctx context.Context,
	account uint32) (btcutil.Amount, error) {

	if err := x.scopes.waitIdle(ctx, accountScope(account)); err != nil {
		return 0, err
	}

	addresses, err := x.cfg.Store.GetUniquesAddresses(fn.Some(account))
	if err != nil {
		return 0, err
	}

	return x.sumUnspent(addresses)
}

// GetAddressBalance returns the balance of one derived address.
func (x *Xpub) GetAddressBalance(ctx context.Context,
	address storage.Address) (btcutil.Amount, error) {

	err := x.scopes.waitIdle(ctx, addressScope(address.Address))
	if err != nil {
		return 0, err
	}

	return x.sumUnspent([]storage.Address{address})
}

// GetXpubAddresses returns every address with activity.
func (x *Xpub) GetXpubAddresses() ([]storage.Address, error) {
	return x.cfg.Store.GetUniquesAddresses(fn.None[uint32]())
}

// GetAccountAddresses returns the addresses of account with activity.
func (x *Xpub) GetAccountAddresses(account uint32) ([]storage.Address,
	error) {

	return x.cfg.Store.GetUniquesAddresses(fn.Some(account))
}

// GetNewAddress returns a fresh address of account: the first one if the
// account has no activity, otherwise the one gap indexes past the highest
// used index.
func (x *Xpub) GetNewAddress(ctx context.Context, account,
	gap uint32) (storage.Address, error) {

	if err := x.scopes.waitIdle(ctx, accountScope(account)); err != nil {
		return storage.Address{}, err
	}

	addresses, err := x.GetAccountAddresses(account)
	if err != nil {
		return storage.Address{}, err
	}

	var next uint32
	if len(addresses) > 0 {
		var maxIndex uint32
		for _, address := range addresses {
			if address.Index > maxIndex {
				maxIndex = address.Index
			}
		}
		next = maxIndex + gap
	}

	return x.GetAddress(account, next)
}

// GetXpubUtxos returns the unspent outputs of every address, ordered by
// account, index then outpoint.
func (x *Xpub) GetXpubUtxos(ctx context.Context) ([]storage.Output, error) {
	if err := x.WaitSynced(ctx); err != nil {
		return nil, err
	}

	addresses, err := x.GetXpubAddresses()
	if err != nil {
		return nil, err
	}

	var utxos []storage.Output
	for _, address := range addresses {
		outputs, err := x.cfg.Store.GetAddressUnspentUtxos(
			address.Address,
		)
		if err != nil {
			return nil, err
		}
		sort.Slice(outputs, func(i, j int) bool {
			if outputs[i].OutputHash != outputs[j].OutputHash {
				return outputs[i].OutputHash <
					outputs[j].OutputHash
			}

			return outputs[i].OutputIndex < outputs[j].OutputIndex
		})
		utxos = append(utxos, outputs...)
	}

	return utxos, nil
}

// GetTx returns the stored transaction hash as seen from address.
func (x *Xpub) GetTx(address, hash string) (*storage.Tx, error) {
	return x.cfg.Store.GetTx(address, hash)
}

// GetTxHex fetches the raw hex of a transaction from the explorer.
func (x *Xpub) GetTxHex(ctx context.Context, hash string) (string, error) {
	return x.cfg.Explorer.GetTxHex(ctx, hash)
}

// Broadcast relays a raw transaction and returns its hash.
func (x *Xpub) Broadcast(ctx context.Context, rawHex string) (string,
	error) {

	hash, err := x.cfg.Explorer.Broadcast(ctx, rawHex)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}

	log.Infof("Broadcasted tx %v", hash)

	return hash, nil
}

// EstimateFeePerByte returns the fee rate to confirm within confTarget
// blocks.
func (x *Xpub) EstimateFeePerByte(ctx context.Context,
	confTarget uint32) (btcutil.Amount, error) {

	rate, err := x.cfg.Explorer.EstimateFeePerByte(ctx, confTarget)
	if err != nil {
		return 0, err
	}
	if rate <= 0 {
		return 0, errors.New("explorer returned a non positive fee " +
			"rate")
	}

	return rate, nil
}
