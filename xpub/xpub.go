package xpub

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/explorer"
	"github.com/lightningnetwork/xpubwallet/monitoring"
	"github.com/lightningnetwork/xpubwallet/storage"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultGapLimit is the number of consecutive unused addresses probed
	// before an account is considered fully discovered.
	DefaultGapLimit = 20

	// DefaultTxBatchSize is the number of transactions requested from the
	// explorer per round trip.
	DefaultTxBatchSize = 1000
)

// Config holds everything an Xpub needs.
type Config struct {
	// Xpub is the serialized account extended public key.
	Xpub string

	// Mode is the script type addresses are derived into.
	Mode derivation.Mode

	// Deriver derives the addresses of the xpub's currency.
	Deriver *derivation.Deriver

	// Store persists the discovered transactions.
	Store storage.Store

	// Explorer is the chain data source.
	Explorer explorer.Explorer

	// GapLimit defaults to DefaultGapLimit.
	GapLimit uint32

	// TxBatchSize defaults to DefaultTxBatchSize.
	TxBatchSize int

	// MaxConcurrency bounds the number of addresses synced in parallel.
	// It defaults to GapLimit.
	MaxConcurrency int

	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Xpub synchronizes the history of an extended public key and answers
// balance and UTXO queries over it.
type Xpub struct {
	cfg Config

	scopes *scopeGroup
	events *eventServer
}

// New validates cfg and returns an Xpub. Start must be called before
// subscribing to events.
func New(cfg Config) (*Xpub, error) {
	if cfg.Deriver == nil || cfg.Store == nil || cfg.Explorer == nil {
		return nil, errors.New("deriver, store and explorer are " +
			"mandatory")
	}
	if !cfg.Deriver.Currency().SupportsMode(cfg.Mode) {
		return nil, &derivation.DerivationError{
			Op: "new xpub",
			Err: fmt.Errorf("%w: %v", derivation.ErrUnsupportedMode,
				cfg.Mode),
		}
	}
	if _, err := derivation.ParseXpub(cfg.Xpub); err != nil {
		return nil, err
	}

	if cfg.GapLimit == 0 {
		cfg.GapLimit = DefaultGapLimit
	}
	if cfg.TxBatchSize <= 0 {
		cfg.TxBatchSize = DefaultTxBatchSize
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = int(cfg.GapLimit)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Xpub{
		cfg:    cfg,
		scopes: newScopeGroup(),
		events: newEventServer(),
	}, nil
}

// Start starts the event server.
func (x *Xpub) Start() {
	x.events.Start()
}

// Stop stops the event server, cancelling every subscription.
func (x *Xpub) Stop() {
	x.events.Stop()
}

// Subscribe returns a client receiving the sync events emitted from now on.
func (x *Xpub) Subscribe() (*EventClient, error) {
	return x.events.Subscribe()
}

// Xpub returns the serialized extended public key.
func (x *Xpub) Xpub() string {
	return x.cfg.Xpub
}

// Mode returns the derivation mode.
func (x *Xpub) Mode() derivation.Mode {
	return x.cfg.Mode
}

// Deriver returns the deriver of the xpub's currency.
func (x *Xpub) Deriver() *derivation.Deriver {
	return x.cfg.Deriver
}

// Store returns the transaction store.
func (x *Xpub) Store() storage.Store {
	return x.cfg.Store
}

// GapLimit returns the configured gap limit.
func (x *Xpub) GapLimit() uint32 {
	return x.cfg.GapLimit
}

// GetAddress derives the address at account/index.
func (x *Xpub) GetAddress(account, index uint32) (storage.Address, error) {
	address, err := x.cfg.Deriver.GetAddress(
		x.cfg.Mode, x.cfg.Xpub, account, index,
	)
	if err != nil {
		return storage.Address{}, err
	}

	return storage.Address{
		Address: address,
		Account: account,
		Index:   index,
	}, nil
}

func addressScope(address string) Scope {
	return Scope{Granularity: ScopeAddress, Key: address}
}

func accountScope(account uint32) Scope {
	return Scope{
		Granularity: ScopeAccount,
		Key:         strconv.FormatUint(uint64(account), 10),
	}
}

var allScope = Scope{Granularity: ScopeAll}

// runScope runs f as the single flight of scope, emitting the state
// transitions of the scope around it.
func runScope[T any](ctx context.Context, x *Xpub, scope Scope,
	f func() (T, error)) (T, error) {

	return doScope(ctx, x.scopes, scope, func() (T, error) {
		start := x.cfg.Clock.Now()
		x.events.send(SyncEvent{Scope: scope, State: StateSyncing})

		val, err := f()

		monitoring.SyncDuration.WithLabelValues(
			scope.Granularity.String(),
		).Observe(x.cfg.Clock.Now().Sub(start).Seconds())

		if err != nil {
			log.Errorf("Sync of %v failed: %v", scope, err)
			x.events.send(SyncEvent{
				Scope: scope,
				State: StateSyncFailed,
				Err:   err,
			})

			return val, err
		}

		x.events.send(SyncEvent{Scope: scope, State: StateSynced})

		return val, nil
	})
}

// CheckAddressReorg drops the whole history of account/index when the block
// of its last confirmed transaction is no longer part of the best chain.
func (x *Xpub) CheckAddressReorg(ctx context.Context, account,
	index uint32) error {

	lastTx, err := x.cfg.Store.GetLastTx(storage.TxQuery{
		Account:   account,
		Index:     index,
		Confirmed: true,
	})
	if err != nil || lastTx == nil || lastTx.Block == nil {
		return err
	}

	block, err := x.cfg.Explorer.GetBlockByHeight(
		ctx, lastTx.Block.Height,
	)
	if err != nil {
		return err
	}
	if block != nil && block.Hash == lastTx.Block.Hash {
		return nil
	}

	log.Infof("Reorg detected for %d/%d: block %v at height %d left the "+
		"best chain, purging address history", account, index,
		lastTx.Block.Hash, lastTx.Block.Height)
	monitoring.ReorgsDetected.Inc()

	return x.cfg.Store.RemoveTxs(account, index)
}

// SyncAddress brings the stored history of account/index up to date and
// reports whether the address has any transaction.
func (x *Xpub) SyncAddress(ctx context.Context, account,
	index uint32) (bool, error) {

	address, err := x.GetAddress(account, index)
	if err != nil {
		return false, err
	}

	used, err := runScope(ctx, x, addressScope(address.Address),
		func() (bool, error) {
			return x.syncAddress(ctx, address)
		},
	)
	monitoring.AddressSyncs.WithLabelValues(
		monitoring.ResultLabel(err),
	).Inc()

	return used, err
}

// syncAddress is the body of SyncAddress, run once per in-flight scope.
func (x *Xpub) syncAddress(ctx context.Context,
	address storage.Address) (bool, error) {

	account, index := address.Account, address.Index

	if err := x.CheckAddressReorg(ctx, account, index); err != nil {
		return false, err
	}

	// Pending transactions may have been dropped or replaced since the
	// last pass, they are refetched below.
	if err := x.cfg.Store.RemovePendingTxs(account, index); err != nil {
		return false, err
	}

	for {
		lastTx, err := x.cfg.Store.GetLastTx(storage.TxQuery{
			Account:   account,
			Index:     index,
			Confirmed: true,
		})
		if err != nil {
			return false, err
		}

		txs, err := x.cfg.Explorer.GetAddressTxsSinceLastTxBlock(
			ctx, x.cfg.TxBatchSize, address, lastTx,
		)
		if err != nil {
			return false, err
		}

		inserted, err := x.cfg.Store.AppendTxs(txs)
		if err != nil {
			return false, err
		}
		monitoring.TxsIngested.Add(float64(inserted))

		if inserted == 0 {
			break
		}
		log.Debugf("Stored %d new txs for %v", inserted,
			address.Address)
	}

	pendings, err := x.cfg.Explorer.GetPendings(ctx, address)
	if err != nil {
		return false, err
	}
	if _, err := x.cfg.Store.AppendTxs(pendings); err != nil {
		return false, err
	}

	lastTx, err := x.cfg.Store.GetLastTx(storage.TxQuery{
		Account: account,
		Index:   index,
	})
	if err != nil {
		return false, err
	}

	return lastTx != nil, nil
}

// CheckAddressesBlock syncs the gap limit addresses starting at
// account/index in parallel and reports whether any of them has activity.
// Every failure is returned, joined.
func (x *Xpub) CheckAddressesBlock(ctx context.Context, account,
	index uint32) (bool, error) {

	gap := x.cfg.GapLimit
	used := make([]bool, gap)
	errs := make([]error, gap)

	var g errgroup.Group
	g.SetLimit(x.cfg.MaxConcurrency)
	for i := uint32(0); i < gap; i++ {
		i := i
		g.Go(func() error {
			used[i], errs[i] = x.SyncAddress(ctx, account, index+i)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return false, err
	}

	for _, u := range used {
		if u {
			return true, nil
		}
	}

	return false, nil
}

// SyncAccount discovers the addresses of account gap block by gap block and
// returns the number of probed indexes, i.e. the discovered address count
// rounded up to the gap limit.
func (x *Xpub) SyncAccount(ctx context.Context, account uint32) (uint32,
	error) {

	return runScope(ctx, x, accountScope(account), func() (uint32, error) {
		var index uint32
		for {
			used, err := x.CheckAddressesBlock(ctx, account, index)
			if err != nil {
				return index, err
			}
			if !used {
				break
			}
			index += x.cfg.GapLimit
		}

		log.Debugf("Account %d synced, %d addresses probed", account,
			index)

		return index, nil
	})
}

// Sync discovers accounts in ascending order until one has no activity and
// returns the number of active accounts.
func (x *Xpub) Sync(ctx context.Context) (uint32, error) {
	return runScope(ctx, x, allScope, func() (uint32, error) {
		var account uint32
		for {
			probed, err := x.SyncAccount(ctx, account)
			if err != nil {
				return account, err
			}
			if probed == 0 {
				break
			}
			account++
		}

		log.Infof("Xpub synced, %d active accounts", account)

		return account, nil
	})
}
