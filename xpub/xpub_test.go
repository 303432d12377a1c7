package xpub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/explorer"
	"github.com/lightningnetwork/xpubwallet/storage"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testXpub is the m/44'/0'/0' key of the all "abandon" mnemonic.
const testXpub = "xpub6BosfCnifzxcFwrSzQiqu2DBVTshkCXacvNsWGYJVVhhawA7d4R5" +
	"WSWGFNbi8Aw6ZRc1brxMyWMzG3DSSSSoekkudhUd9yLb6qx39T9nMdj"

var errBoom = errors.New("boom")

type testHarness struct {
	xpub     *Xpub
	explorer *explorer.Mock
	store    *storage.MemoryStore

	txCounter int
}

func newTestHarness(t require.TestingT, gapLimit uint32) *testHarness {
	currency, err := derivation.LookupCurrency("bitcoin")
	require.NoError(t, err)

	mock := explorer.NewMock()
	store := storage.NewMemoryStore()

	x, err := New(Config{
		Xpub:     testXpub,
		Mode:     derivation.ModeLegacy,
		Deriver:  derivation.NewDeriver(currency, 1000),
		Store:    store,
		Explorer: mock,
		GapLimit: gapLimit,
	})
	require.NoError(t, err)

	return &testHarness{
		xpub:     x,
		explorer: mock,
		store:    store,
	}
}

// receive registers a transaction paying value to account/index. A height of
// zero makes it pending.
func (h *testHarness) receive(t require.TestingT, account, index uint32,
	value btcutil.Amount, height int64) *storage.Tx {

	address, err := h.xpub.GetAddress(account, index)
	require.NoError(t, err)

	h.txCounter++
	tx := &storage.Tx{
		Hash: fmt.Sprintf("%064x", h.txCounter),
		Outputs: []storage.Output{{
			OutputHash:  fmt.Sprintf("%064x", h.txCounter),
			OutputIndex: 0,
			Value:       value,
			Address:     address.Address,
		}},
	}
	if height > 0 {
		tx.Block = &storage.Block{
			Hash:   fmt.Sprintf("block-%d", height),
			Height: height,
		}
	}
	h.explorer.AddTx(address.Address, tx)

	return tx
}

// TestNewRejectsInvalidConfig checks construction errors.
func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	doge, err := derivation.LookupCurrency("dogecoin")
	require.NoError(t, err)

	_, err = New(Config{
		Xpub:     testXpub,
		Mode:     derivation.ModeNativeSegwit,
		Deriver:  derivation.NewDeriver(doge, 10),
		Store:    storage.NewMemoryStore(),
		Explorer: explorer.NewMock(),
	})
	require.ErrorIs(t, err, derivation.ErrUnsupportedMode)

	_, err = New(Config{Xpub: testXpub})
	require.Error(t, err)
}

// TestSyncGapLimit checks that discovery stops after a full gap of unused
// addresses and that the account count is reported.
func TestSyncGapLimit(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, DefaultGapLimit)
	for i := uint32(0); i < 5; i++ {
		h.receive(t, 0, i, 1000, int64(100+i))
	}

	ctx := context.Background()

	probed, err := h.xpub.SyncAccount(ctx, 0)
	require.NoError(t, err)
	require.EqualValues(t, 20, probed)

	accounts, err := h.xpub.Sync(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, accounts)

	addresses, err := h.xpub.GetXpubAddresses()
	require.NoError(t, err)
	require.Len(t, addresses, 5)

	balance, err := h.xpub.GetXpubBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(5000), balance)

	balance, err = h.xpub.GetAccountBalance(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, balance)
}

// TestSyncAccountProbeCount checks the probe count of random activity
// layouts against a direct computation.
func TestSyncAccountProbeCount(t *testing.T) {
	t.Parallel()

	const gap = 5

	rapid.Check(t, func(rt *rapid.T) {
		used := rapid.SliceOfNDistinct(
			rapid.Uint32Range(0, 40), 0, 8,
			func(i uint32) uint32 { return i },
		).Draw(rt, "used")

		h := newTestHarness(rt, gap)
		isUsed := make(map[uint32]bool)
		for _, index := range used {
			h.receive(rt, 0, index, 1000, 10)
			isUsed[index] = true
		}

		var expected uint32
		for {
			found := false
			for i := expected; i < expected+gap; i++ {
				found = found || isUsed[i]
			}
			if !found {
				break
			}
			expected += gap
		}

		probed, err := h.xpub.SyncAccount(context.Background(), 0)
		require.NoError(rt, err)
		require.Equal(rt, expected, probed)
	})
}

// TestSyncIdempotent checks that a second sync stores nothing new.
func TestSyncIdempotent(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 5)
	h.receive(t, 0, 0, 1000, 10)
	h.receive(t, 0, 0, 2000, 11)
	h.receive(t, 0, 2, 3000, 0)

	ctx := context.Background()

	_, err := h.xpub.Sync(ctx)
	require.NoError(t, err)
	first, err := h.store.Export()
	require.NoError(t, err)

	_, err = h.xpub.Sync(ctx)
	require.NoError(t, err)
	second, err := h.store.Export()
	require.NoError(t, err)

	require.Len(t, first.Txs, 3)
	require.Len(t, second.Txs, len(first.Txs))
}

// TestSyncAddressReorg checks that the history of an address is rebuilt
// when the block of its last transaction leaves the best chain.
func TestSyncAddressReorg(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 5)
	orphaned := h.receive(t, 0, 0, 1000, 10)

	ctx := context.Background()
	used, err := h.xpub.SyncAddress(ctx, 0, 0)
	require.NoError(t, err)
	require.True(t, used)

	address, err := h.xpub.GetAddress(0, 0)
	require.NoError(t, err)

	// Block 10 is replaced by a competing block paying another amount.
	h.explorer.ClearAddress(address.Address)
	h.explorer.SetBlock(10, "block-10-reorg")
	h.receive(t, 0, 0, 4000, 10)

	_, err = h.xpub.SyncAddress(ctx, 0, 0)
	require.NoError(t, err)

	_, err = h.xpub.GetTx(address.Address, orphaned.Hash)
	require.ErrorIs(t, err, storage.ErrTxNotFound)

	balance, err := h.xpub.GetAddressBalance(ctx, address)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(4000), balance)
}

// TestSyncAddressReplacesPendings checks that stale pending transactions
// are dropped on every pass.
func TestSyncAddressReplacesPendings(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 5)
	h.receive(t, 0, 0, 1000, 0)

	ctx := context.Background()
	_, err := h.xpub.SyncAddress(ctx, 0, 0)
	require.NoError(t, err)

	address, err := h.xpub.GetAddress(0, 0)
	require.NoError(t, err)

	balance, err := h.xpub.GetAddressBalance(ctx, address)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1000), balance)

	h.explorer.ClearPendings(address.Address)
	h.receive(t, 0, 0, 2500, 0)

	_, err = h.xpub.SyncAddress(ctx, 0, 0)
	require.NoError(t, err)

	balance, err = h.xpub.GetAddressBalance(ctx, address)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(2500), balance)
}

// TestCheckAddressesBlockJoinsErrors checks that every address failure of a
// block is reported.
func TestCheckAddressesBlockJoinsErrors(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 5)
	for _, index := range []uint32{1, 3} {
		address, err := h.xpub.GetAddress(0, index)
		require.NoError(t, err)
		h.explorer.SetFailure(address.Address, errBoom)
	}

	_, err := h.xpub.CheckAddressesBlock(context.Background(), 0, 0)
	require.ErrorIs(t, err, errBoom)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	require.Len(t, joined.Unwrap(), 2)

	_, err = h.xpub.Sync(context.Background())
	require.ErrorIs(t, err, errBoom)
}

// TestGetNewAddress checks fresh address selection.
func TestGetNewAddress(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 5)
	h.receive(t, 0, 0, 1000, 10)
	h.receive(t, 0, 3, 1000, 10)

	ctx := context.Background()
	_, err := h.xpub.Sync(ctx)
	require.NoError(t, err)

	address, err := h.xpub.GetNewAddress(ctx, 0, 1)
	require.NoError(t, err)
	require.EqualValues(t, 4, address.Index)

	expected, err := h.xpub.GetAddress(0, 4)
	require.NoError(t, err)
	require.Equal(t, expected, address)

	address, err = h.xpub.GetNewAddress(ctx, 1, 1)
	require.NoError(t, err)
	require.Zero(t, address.Index)
	require.EqualValues(t, 1, address.Account)
}

// TestGetXpubUtxos checks that spent outputs are not returned.
func TestGetXpubUtxos(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 5)
	funding := h.receive(t, 0, 0, 1000, 10)
	h.receive(t, 0, 1, 2000, 11)

	// Spend the first output to an external address.
	from, err := h.xpub.GetAddress(0, 0)
	require.NoError(t, err)
	h.explorer.AddTx(from.Address, &storage.Tx{
		Hash: "spend",
		Inputs: []storage.Input{{
			OutputHash:  funding.Hash,
			OutputIndex: 0,
			Value:       1000,
			Address:     from.Address,
		}},
		Block: &storage.Block{Hash: "block-12", Height: 12},
	})

	ctx := context.Background()
	_, err = h.xpub.Sync(ctx)
	require.NoError(t, err)

	utxos, err := h.xpub.GetXpubUtxos(ctx)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, btcutil.Amount(2000), utxos[0].Value)
	require.EqualValues(t, 1, utxos[0].Index)
	require.EqualValues(t, 11, utxos[0].BlockHeight)
}

// TestSyncEvents checks the state transitions reported to subscribers.
func TestSyncEvents(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 5)
	h.xpub.Start()
	defer h.xpub.Stop()

	client, err := h.xpub.Subscribe()
	require.NoError(t, err)
	defer client.Cancel()

	address, err := h.xpub.GetAddress(0, 0)
	require.NoError(t, err)
	h.explorer.SetFailure(address.Address, errBoom)

	ctx := context.Background()
	_, err = h.xpub.SyncAddress(ctx, 0, 0)
	require.Error(t, err)

	h.explorer.SetFailure(address.Address, nil)
	_, err = h.xpub.SyncAddress(ctx, 0, 0)
	require.NoError(t, err)

	scope := Scope{Granularity: ScopeAddress, Key: address.Address}
	expected := []SyncState{
		StateSyncing, StateSyncFailed, StateSyncing, StateSynced,
	}
	for i, state := range expected {
		select {
		case event := <-client.Updates():
			require.Equal(t, scope, event.Scope, "event %d", i)
			require.Equal(t, state, event.State, "event %d", i)
			if state == StateSyncFailed {
				require.ErrorIs(t, event.Err, errBoom)
			}

		case <-time.After(5 * time.Second):
			t.Fatalf("event %d not received", i)
		}
	}
}

// TestSubscribeBeforeStart checks that subscribing requires a started
// server.
func TestSubscribeBeforeStart(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 5)
	_, err := h.xpub.Subscribe()
	require.ErrorIs(t, err, ErrEventServerShuttingDown)
}

// TestScopeGroupSharesResult checks that concurrent callers of the same
// scope run the sync once.
func TestScopeGroupSharesResult(t *testing.T) {
	t.Parallel()

	g := newScopeGroup()
	scope := Scope{Granularity: ScopeAccount, Key: "0"}

	var (
		calls   atomic.Int32
		once    sync.Once
		release = make(chan struct{})
		started = make(chan struct{})
	)
	run := func() (uint32, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		<-release

		return 42, nil
	}

	ctx := context.Background()
	results := make(chan uint32, 2)
	call := func() {
		v, err := doScope(ctx, g, scope, run)
		if err == nil {
			results <- v
		}
	}

	go call()
	<-started
	require.True(t, g.inFlight(scope))

	go call()

	// Give the second caller time to join the running sync.
	time.Sleep(100 * time.Millisecond)
	close(release)

	require.EqualValues(t, 42, <-results)
	require.EqualValues(t, 42, <-results)
	require.EqualValues(t, 1, calls.Load())

	require.NoError(t, g.waitIdle(ctx, scope))
	require.False(t, g.inFlight(scope))
}

// TestScopeGroupJoinerCancel checks that a joining caller can give up
// without affecting the running sync.
func TestScopeGroupJoinerCancel(t *testing.T) {
	t.Parallel()

	g := newScopeGroup()
	scope := Scope{Granularity: ScopeAll}

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := g.do(context.Background(), scope,
			func() (interface{}, error) {
				close(started)
				<-release
				return nil, errBoom
			},
		)
		done <- err
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.do(ctx, scope, func() (interface{}, error) {
		t.Fatal("joiner must not run")
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, g.waitIdle(ctx, scope), context.Canceled)

	close(release)
	require.ErrorIs(t, <-done, errBoom)
}
