package explorer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/xpubwallet/storage"
)

// Mock is an in-memory Explorer used by tests of the packages built on top
// of the explorer. Transactions are registered per address.
type Mock struct {
	mu sync.Mutex

	confirmed map[string][]*storage.Tx
	pending   map[string][]*storage.Tx
	blocks    map[int64]*storage.Block
	txHex     map[string]string
	failures  map[string]error
	requests  map[string]int

	broadcasted []string
	feePerByte  btcutil.Amount
}

// A compile-time check to ensure Mock implements the Explorer interface.
var _ Explorer = (*Mock)(nil)

// NewMock returns an empty mock explorer.
func NewMock() *Mock {
	return &Mock{
		confirmed:  make(map[string][]*storage.Tx),
		pending:    make(map[string][]*storage.Tx),
		blocks:     make(map[int64]*storage.Block),
		txHex:      make(map[string]string),
		failures:   make(map[string]error),
		requests:   make(map[string]int),
		feePerByte: 1,
	}
}

// SetBlock registers the best chain block at height with the given hash and
// returns it.
func (m *Mock) SetBlock(height int64, hash string) *storage.Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	block := &storage.Block{Hash: hash, Height: height}
	m.blocks[height] = block

	return block
}

// AddTx registers tx for address. Confirmed transactions also register their
// block.
func (m *Mock) AddTx(address string, tx *storage.Tx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.Block == nil {
		m.pending[address] = append(m.pending[address], tx)
		return
	}

	if _, ok := m.blocks[tx.Block.Height]; !ok {
		block := *tx.Block
		m.blocks[tx.Block.Height] = &block
	}
	m.confirmed[address] = append(m.confirmed[address], tx)
	sort.SliceStable(m.confirmed[address], func(i, j int) bool {
		return m.confirmed[address][i].Block.Height <
			m.confirmed[address][j].Block.Height
	})
}

// ClearAddress forgets every transaction of address.
func (m *Mock) ClearAddress(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.confirmed, address)
	delete(m.pending, address)
}

// ClearPendings forgets the unconfirmed transactions of address.
func (m *Mock) ClearPendings(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, address)
}

// SetTxHex registers the raw hex of a transaction.
func (m *Mock) SetTxHex(hash, rawHex string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txHex[hash] = rawHex
}

// SetFailure makes every history request for address fail with err. A nil
// err clears the failure.
func (m *Mock) SetFailure(address string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.failures, address)
		return
	}
	m.failures[address] = err
}

// SetFeePerByte sets the value returned by EstimateFeePerByte.
func (m *Mock) SetFeePerByte(rate btcutil.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.feePerByte = rate
}

// Requests returns the number of confirmed history requests made for
// address.
func (m *Mock) Requests(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests[address]
}

// Broadcasted returns the raw transactions relayed so far.
func (m *Mock) Broadcasted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.broadcasted...)
}

// forAddress copies tx and binds it to address.
func forAddress(tx *storage.Tx, address storage.Address) *storage.Tx {
	c := tx.Copy()
	c.Address = address.Address
	c.Account = address.Account
	c.Index = address.Index

	return c
}

// GetAddressTxsSinceLastTxBlock returns confirmed transactions at or above
// the height of lastTx.
//
// NOTE: part of the Explorer interface.
func (m *Mock) GetAddressTxsSinceLastTxBlock(_ context.Context,
	batchSize int, address storage.Address,
	lastTx *storage.Tx) ([]*storage.Tx, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests[address.Address]++
	if err := m.failures[address.Address]; err != nil {
		return nil, &Error{Op: "address txs", Err: err}
	}

	var fromHeight int64
	if lastTx != nil && lastTx.Block != nil {
		fromHeight = lastTx.Block.Height
	}

	var txs []*storage.Tx
	for _, tx := range m.confirmed[address.Address] {
		if tx.Block.Height < fromHeight {
			continue
		}
		if batchSize > 0 && len(txs) == batchSize {
			break
		}
		txs = append(txs, forAddress(tx, address))
	}

	return txs, nil
}

// GetPendings returns the unconfirmed transactions of address.
//
// NOTE: part of the Explorer interface.
func (m *Mock) GetPendings(_ context.Context,
	address storage.Address) ([]*storage.Tx, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failures[address.Address]; err != nil {
		return nil, &Error{Op: "pendings", Err: err}
	}

	var txs []*storage.Tx
	for _, tx := range m.pending[address.Address] {
		txs = append(txs, forAddress(tx, address))
	}

	return txs, nil
}

// GetBlockByHeight returns the registered block at height.
//
// NOTE: part of the Explorer interface.
func (m *Mock) GetBlockByHeight(_ context.Context,
	height int64) (*storage.Block, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	block, ok := m.blocks[height]
	if !ok {
		return nil, nil
	}
	c := *block

	return &c, nil
}

// GetTxHex returns the registered raw hex of hash.
//
// NOTE: part of the Explorer interface.
func (m *Mock) GetTxHex(_ context.Context, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rawHex, ok := m.txHex[hash]
	if !ok {
		return "", &Error{
			Op:  "tx hex",
			Err: fmt.Errorf("%w: %s", ErrTxNotFound, hash),
		}
	}

	return rawHex, nil
}

// Broadcast records rawHex and returns a fake hash.
//
// NOTE: part of the Explorer interface.
func (m *Mock) Broadcast(_ context.Context, rawHex string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.broadcasted = append(m.broadcasted, rawHex)

	return fmt.Sprintf("broadcast-%d", len(m.broadcasted)), nil
}

// GetCurrentBlock returns the highest registered block.
//
// NOTE: part of the Explorer interface.
func (m *Mock) GetCurrentBlock(_ context.Context) (*storage.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tip *storage.Block
	for _, block := range m.blocks {
		if tip == nil || block.Height > tip.Height {
			tip = block
		}
	}
	if tip == nil {
		return nil, nil
	}
	c := *tip

	return &c, nil
}

// EstimateFeePerByte returns the configured fee rate.
//
// NOTE: part of the Explorer interface.
func (m *Mock) EstimateFeePerByte(_ context.Context,
	_ uint32) (btcutil.Amount, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.feePerByte, nil
}
