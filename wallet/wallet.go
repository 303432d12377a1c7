package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/xpubwallet/coinselect"
	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/explorer"
	"github.com/lightningnetwork/xpubwallet/storage"
	"github.com/lightningnetwork/xpubwallet/txbuilder"
	"github.com/lightningnetwork/xpubwallet/xpub"
)

const (
	// ReceiveAccount is the derivation branch of receive addresses.
	ReceiveAccount = 0

	// ChangeAccount is the derivation branch of change addresses.
	ChangeAccount = 1
)

// Config holds the dependencies shared by every account of a wallet.
type Config struct {
	// Explorer is the chain data source.
	Explorer explorer.Explorer

	// Clock defaults to the system clock.
	Clock clock.Clock

	// GapLimit, TxBatchSize and MaxConcurrency tune account sync, zero
	// values select the xpub package defaults.
	GapLimit       uint32
	TxBatchSize    int
	MaxConcurrency int

	// AddressCacheSize bounds the derived address cache of each currency.
	AddressCacheSize uint64
}

// Wallet creates accounts over a shared explorer.
type Wallet struct {
	cfg Config

	// derivers holds one deriver per currency name.
	derivers   map[string]*derivation.Deriver
	deriversMu sync.Mutex
}

// New returns a wallet.
func New(cfg Config) (*Wallet, error) {
	if cfg.Explorer == nil {
		return nil, errors.New("explorer is mandatory")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Wallet{
		cfg:      cfg,
		derivers: make(map[string]*derivation.Deriver),
	}, nil
}

// AccountParams describes where an account lives.
type AccountParams struct {
	Currency       string          `json:"currency"`
	DerivationMode derivation.Mode `json:"derivationMode"`
	Network        string          `json:"network"`
	Path           string          `json:"path"`
	Index          uint32          `json:"index"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Account is an xpub wired to its store and the wallet explorer.
type Account struct {
	Xpub   *xpub.Xpub
	Params AccountParams
	Store  storage.Store

	builder *txbuilder.Builder
}

// Close stops the account event server.
func (a *Account) Close() {
	a.Xpub.Stop()
}

// SerializedAccount is the persisted form of an account.
type SerializedAccount struct {
	Xpub   string          `json:"xpub"`
	Data   *storage.Export `json:"data"`
	Params AccountParams   `json:"params"`
}

// deriver returns the shared deriver of currency.
func (w *Wallet) deriver(currency derivation.Currency) *derivation.Deriver {
	w.deriversMu.Lock()
	defer w.deriversMu.Unlock()

	d, ok := w.derivers[currency.Name()]
	if !ok {
		d = derivation.NewDeriver(currency, w.cfg.AddressCacheSize)
		w.derivers[currency.Name()] = d
	}

	return d
}

// GenerateAccount wires xpubStr into an account. A nil store selects an
// in-memory one. Unset Network, Path and CreatedAt params are filled in.
func (w *Wallet) GenerateAccount(params AccountParams, xpubStr string,
	store storage.Store) (*Account, error) {

	currency, err := derivation.LookupCurrency(params.Currency)
	if err != nil {
		return nil, err
	}

	if params.Network == "" {
		params.Network = currency.Params().Name
	}
	if params.Path == "" {
		params.Path = derivation.AccountPath(
			params.DerivationMode, currency, params.Index,
		)
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = w.cfg.Clock.Now()
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}

	x, err := xpub.New(xpub.Config{
		Xpub:           xpubStr,
		Mode:           params.DerivationMode,
		Deriver:        w.deriver(currency),
		Store:          store,
		Explorer:       w.cfg.Explorer,
		GapLimit:       w.cfg.GapLimit,
		TxBatchSize:    w.cfg.TxBatchSize,
		MaxConcurrency: w.cfg.MaxConcurrency,
		Clock:          w.cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	x.Start()

	log.Infof("Generated %v %v account %v", params.Currency,
		params.DerivationMode, params.Path)

	return &Account{
		Xpub:    x,
		Params:  params,
		Store:   store,
		builder: txbuilder.NewBuilder(x),
	}, nil
}

// SyncAccount discovers the account history and returns the number of
// active derivation branches.
func (w *Wallet) SyncAccount(ctx context.Context, account *Account) (uint32,
	error) {

	return account.Xpub.Sync(ctx)
}

// GetAccountNewReceiveAddress returns the next unused receive address.
func (w *Wallet) GetAccountNewReceiveAddress(ctx context.Context,
	account *Account) (storage.Address, error) {

	return account.Xpub.GetNewAddress(ctx, ReceiveAccount, 1)
}

// GetAccountNewChangeAddress returns the next unused change address.
func (w *Wallet) GetAccountNewChangeAddress(ctx context.Context,
	account *Account) (storage.Address, error) {

	return account.Xpub.GetNewAddress(ctx, ChangeAccount, 1)
}

// GetAccountBalance returns the balance of the account, pending outputs
// included.
func (w *Wallet) GetAccountBalance(ctx context.Context,
	account *Account) (btcutil.Amount, error) {

	return account.Xpub.GetXpubBalance(ctx)
}

// GetAccountUnspentUtxos returns the unspent outputs of the account.
func (w *Wallet) GetAccountUnspentUtxos(ctx context.Context,
	account *Account) ([]storage.Output, error) {

	return account.Xpub.GetXpubUtxos(ctx)
}

// EstimateAccountMaxSpendable returns the value a transaction sweeping
// every non excluded output of the account into one output would send.
func (w *Wallet) EstimateAccountMaxSpendable(ctx context.Context,
	account *Account, feePerByte btcutil.Amount,
	excluded []storage.OutPoint) (btcutil.Amount, error) {

	utxos, err := account.Xpub.GetXpubUtxos(ctx)
	if err != nil {
		return 0, err
	}

	skip := make(map[storage.OutPoint]struct{}, len(excluded))
	for _, outpoint := range excluded {
		skip[outpoint] = struct{}{}
	}

	var (
		balance btcutil.Amount
		inputs  int
	)
	for _, utxo := range utxos {
		if _, ok := skip[utxo.OutPoint()]; ok {
			continue
		}
		balance += utxo.Value
		inputs++
	}

	size := coinselect.EstimateTxSize(inputs, 1, account.Xpub.Mode())
	spendable := balance - coinselect.FeeForSize(feePerByte, size)
	if spendable < 0 {
		return 0, nil
	}

	return spendable, nil
}

// BuildAccountTx builds an unsigned transaction spending the account
// outputs.
func (w *Wallet) BuildAccountTx(ctx context.Context, account *Account,
	params txbuilder.Params) (*txbuilder.TransactionInfo, error) {

	return account.builder.BuildTx(ctx, params)
}

// inputPath returns the full derivation path of the key at
// branch/index of account.
func inputPath(account *Account, branch, index uint32) string {
	return fmt.Sprintf("%s/%d/%d", account.Params.Path, branch, index)
}

// SignAccountTx hands txInfo to signer and returns the signed raw
// transaction.
func (w *Wallet) SignAccountTx(ctx context.Context, account *Account,
	signer Signer, txInfo *txbuilder.TransactionInfo) (string, error) {

	packet, err := txInfo.ToPsbt()
	if err != nil {
		return "", fmt.Errorf("unable to create psbt: %w", err)
	}

	req := &SignRequest{
		Packet: packet,
		TxInfo: txInfo,
		Mode:   account.Xpub.Mode(),
	}
	for _, d := range txInfo.AssociatedDerivations {
		req.InputPaths = append(
			req.InputPaths, inputPath(account, d.Account, d.Index),
		)
	}
	if txInfo.HasChange() {
		req.ChangePath = inputPath(
			account, txInfo.ChangeAddress.Account,
			txInfo.ChangeAddress.Index,
		)
	}

	signed, err := signer.SignTransaction(ctx, req)
	if err != nil {
		return "", &SignerRejectedError{Err: err}
	}

	return signed, nil
}

// BroadcastTx relays a signed transaction and returns its hash.
func (w *Wallet) BroadcastTx(ctx context.Context, account *Account,
	signedHex string) (string, error) {

	return account.Xpub.Broadcast(ctx, signedHex)
}

// ExportAccount serializes the account and its store content.
func (w *Wallet) ExportAccount(account *Account) ([]byte, error) {
	data, err := account.Store.Export()
	if err != nil {
		return nil, err
	}

	return json.Marshal(&SerializedAccount{
		Xpub:   account.Xpub.Xpub(),
		Data:   data,
		Params: account.Params,
	})
}

// ImportAccount restores an account exported by ExportAccount into store,
// an in-memory one when nil.
func (w *Wallet) ImportAccount(serialized []byte,
	store storage.Store) (*Account, error) {

	var s SerializedAccount
	if err := json.Unmarshal(serialized, &s); err != nil {
		return nil, fmt.Errorf("unable to decode account: %w", err)
	}

	account, err := w.GenerateAccount(s.Params, s.Xpub, store)
	if err != nil {
		return nil, err
	}

	if s.Data != nil {
		if err := account.Store.Load(s.Data); err != nil {
			account.Close()
			return nil, err
		}
	}

	return account, nil
}
