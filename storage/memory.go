package storage

import (
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// partitionKey identifies the transactions of one derived address.
type partitionKey struct {
	account uint32
	index   uint32
}

// partition holds the transactions of one derived address in insertion
// order.
type partition struct {
	address string
	txs     []*Tx
	byHash  map[string]int
}

// remove drops the transactions for which drop returns true.
func (p *partition) remove(drop func(*Tx) bool) {
	kept := p.txs[:0]
	p.byHash = make(map[string]int, len(p.txs))
	for _, tx := range p.txs {
		if drop(tx) {
			continue
		}
		p.byHash[tx.Hash] = len(kept)
		kept = append(kept, tx)
	}

	// Release the dropped tail for the garbage collector.
	for i := len(kept); i < len(p.txs); i++ {
		p.txs[i] = nil
	}
	p.txs = kept
}

// MemoryStore is a Store kept entirely in memory.
type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[partitionKey]*partition
	byAddress  map[string]partitionKey
}

// A compile-time check to ensure MemoryStore implements the Store interface.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[partitionKey]*partition),
		byAddress:  make(map[string]partitionKey),
	}
}

// AppendTxs inserts txs and returns how many of them were not known.
//
// NOTE: part of the Store interface.
func (m *MemoryStore) AppendTxs(txs []*Tx) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inserted int
	for _, tx := range txs {
		key := partitionKey{account: tx.Account, index: tx.Index}
		p, ok := m.partitions[key]
		if !ok {
			p = &partition{
				address: tx.Address,
				byHash:  make(map[string]int),
			}
			m.partitions[key] = p
			m.byAddress[tx.Address] = key
		}

		pos, known := p.byHash[tx.Hash]
		switch {
		case known && !p.txs[pos].IsPending():
			continue

		case known:
			p.txs[pos] = tx.Copy()

		default:
			p.byHash[tx.Hash] = len(p.txs)
			p.txs = append(p.txs, tx.Copy())
			inserted++
		}
	}

	return inserted, nil
}

// GetLastTx returns the most recent transaction of the partition.
//
// NOTE: part of the Store interface.
func (m *MemoryStore) GetLastTx(query TxQuery) (*Tx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.partitions[partitionKey{query.Account, query.Index}]
	if !ok {
		return nil, nil
	}

	last := lastTx(p.txs, query.Confirmed)
	if last == nil {
		return nil, nil
	}

	return last.Copy(), nil
}

// RemoveTxs drops every transaction of the partition.
//
// NOTE: part of the Store interface.
func (m *MemoryStore) RemoveTxs(account, index uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := partitionKey{account: account, index: index}
	if p, ok := m.partitions[key]; ok {
		delete(m.byAddress, p.address)
		delete(m.partitions, key)
	}

	return nil
}

// RemovePendingTxs drops the unconfirmed transactions of the partition.
//
// NOTE: part of the Store interface.
func (m *MemoryStore) RemovePendingTxs(account, index uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.partitions[partitionKey{account, index}]; ok {
		p.remove((*Tx).IsPending)
	}

	return nil
}

// GetUniquesAddresses returns every address with stored transactions.
//
// NOTE: part of the Store interface.
func (m *MemoryStore) GetUniquesAddresses(
	account fn.Option[uint32]) ([]Address, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	var addresses []Address
	for key, p := range m.partitions {
		if len(p.txs) == 0 || !accountMatches(account, key.account) {
			continue
		}

		addresses = append(addresses, Address{
			Address: p.address,
			Account: key.account,
			Index:   key.index,
		})
	}
	sortAddresses(addresses)

	return addresses, nil
}

// GetAddressUnspentUtxos returns the unspent outputs of address.
//
// NOTE: part of the Store interface.
func (m *MemoryStore) GetAddressUnspentUtxos(address string) ([]Output,
	error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.byAddress[address]
	if !ok {
		return nil, nil
	}

	return unspentOutputs(m.partitions[key].txs, address), nil
}

// GetTx returns the transaction hash stored for address.
//
// NOTE: part of the Store interface.
func (m *MemoryStore) GetTx(address, hash string) (*Tx, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.byAddress[address]
	if !ok {
		return nil, ErrTxNotFound
	}
	p := m.partitions[key]
	pos, ok := p.byHash[hash]
	if !ok {
		return nil, ErrTxNotFound
	}

	return p.txs[pos].Copy(), nil
}

// Export dumps every stored transaction, ordered by partition then insertion.
//
// NOTE: part of the Store interface.
func (m *MemoryStore) Export() (*Export, error) {
	addresses, err := m.GetUniquesAddresses(fn.None[uint32]())
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	export := &Export{Txs: []*Tx{}}
	for _, address := range addresses {
		p, ok := m.partitions[partitionKey{
			account: address.Account,
			index:   address.Index,
		}]
		if !ok {
			continue
		}
		for _, tx := range p.txs {
			export.Txs = append(export.Txs, tx.Copy())
		}
	}

	return export, nil
}

// Load appends the content of an export.
//
// NOTE: part of the Store interface.
func (m *MemoryStore) Load(data *Export) error {
	_, err := m.AppendTxs(data.Txs)
	return err
}
