package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// addressIndexBucket is a top-level bucket mapping an address to the
	// key of its partition bucket.
	addressIndexBucket = []byte("address-index")

	// txsBucketKey is the nested bucket of a partition holding the
	// serialized transactions keyed by insertion sequence number.
	txsBucketKey = []byte("txs")

	// hashesBucketKey is the nested bucket of a partition mapping a
	// transaction hash to its sequence number.
	hashesBucketKey = []byte("hashes")

	// addressKey is the key of a partition storing its address.
	addressKey = []byte("address")

	// errNoNamespace is returned when the namespace bucket is missing.
	errNoNamespace = errors.New("storage namespace not initialized")
)

// KVStore is a Store persisted in a kvdb backend. Each xpub lives in its own
// top-level namespace bucket with one nested bucket per (account, index).
//
// The layout is:
//
//	<namespace>
//	    <account|index>
//	        address -> address string
//	        txs     -> seq -> json tx
//	        hashes  -> tx hash -> seq
//	<namespace>/address-index
//	    address -> account|index
type KVStore struct {
	db        kvdb.Backend
	namespace []byte
	indexName []byte

	// closeDB is set when the store owns the backend.
	closeDB bool
}

// A compile-time check to ensure KVStore implements the Store interface.
var _ Store = (*KVStore)(nil)

// NewKVStore returns a store in the namespace bucket of db, creating the
// buckets if needed.
func NewKVStore(db kvdb.Backend, namespace string) (*KVStore, error) {
	s := &KVStore{
		db:        db,
		namespace: []byte(namespace),
		indexName: append(
			[]byte(namespace+"/"), addressIndexBucket...,
		),
	}

	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		if _, err := tx.CreateTopLevelBucket(s.namespace); err != nil {
			return err
		}
		_, err := tx.CreateTopLevelBucket(s.indexName)

		return err
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create buckets: %w", err)
	}

	return s, nil
}

// OpenBoltStore opens, or creates, the bolt database dbPath/fileName and
// returns a store in namespace owning the database.
func OpenBoltStore(dbPath, fileName, namespace string,
	timeout time.Duration) (*KVStore, error) {

	db, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            dbPath,
		DBFileName:        fileName,
		NoFreelistSync:    true,
		AutoCompact:       false,
		AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
		DBTimeout:         timeout,
	})
	if err != nil {
		return nil, err
	}

	s, err := NewKVStore(db, namespace)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.closeDB = true

	return s, nil
}

// Close closes the backend if the store opened it.
func (s *KVStore) Close() error {
	if !s.closeDB {
		return nil
	}

	return s.db.Close()
}

// partitionBucketKey serializes an (account, index) pair.
func partitionBucketKey(account, index uint32) []byte {
	var key [8]byte
	binary.BigEndian.PutUint32(key[:4], account)
	binary.BigEndian.PutUint32(key[4:], index)

	return key[:]
}

func encodeTx(tx *Tx) ([]byte, error) {
	return json.Marshal(tx)
}

func decodeTx(b []byte) (*Tx, error) {
	var tx Tx
	if err := json.Unmarshal(b, &tx); err != nil {
		return nil, fmt.Errorf("unable to decode tx: %w", err)
	}

	return &tx, nil
}

// readPartition returns the transactions of a partition bucket in insertion
// order.
func readPartition(part kvdb.RBucket) ([]*Tx, error) {
	if part == nil {
		return nil, nil
	}
	txsBucket := part.NestedReadBucket(txsBucketKey)
	if txsBucket == nil {
		return nil, nil
	}

	var txs []*Tx
	err := txsBucket.ForEach(func(_, v []byte) error {
		tx, err := decodeTx(v)
		if err != nil {
			return err
		}
		txs = append(txs, tx)

		return nil
	})

	return txs, err
}

// AppendTxs inserts txs and returns how many of them were not known.
//
// NOTE: part of the Store interface.
func (s *KVStore) AppendTxs(txs []*Tx) (int, error) {
	var inserted int
	err := kvdb.Update(s.db, func(dbTx kvdb.RwTx) error {
		root := dbTx.ReadWriteBucket(s.namespace)
		index := dbTx.ReadWriteBucket(s.indexName)
		if root == nil || index == nil {
			return errNoNamespace
		}

		for _, tx := range txs {
			key := partitionBucketKey(tx.Account, tx.Index)
			added, err := appendTx(root, index, key, tx)
			if err != nil {
				return err
			}
			if added {
				inserted++
			}
		}

		return nil
	}, func() {
		inserted = 0
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// appendTx stores tx in the partition key and reports whether it was new.
func appendTx(root, index kvdb.RwBucket, key []byte, tx *Tx) (bool, error) {
	part, err := root.CreateBucketIfNotExists(key)
	if err != nil {
		return false, err
	}
	if err := part.Put(addressKey, []byte(tx.Address)); err != nil {
		return false, err
	}
	if err := index.Put([]byte(tx.Address), key); err != nil {
		return false, err
	}

	txsBucket, err := part.CreateBucketIfNotExists(txsBucketKey)
	if err != nil {
		return false, err
	}
	hashes, err := part.CreateBucketIfNotExists(hashesBucketKey)
	if err != nil {
		return false, err
	}

	value, err := encodeTx(tx)
	if err != nil {
		return false, err
	}

	if seq := hashes.Get([]byte(tx.Hash)); seq != nil {
		stored, err := decodeTx(txsBucket.Get(seq))
		if err != nil {
			return false, err
		}
		if !stored.IsPending() {
			return false, nil
		}

		return false, txsBucket.Put(seq, value)
	}

	next, err := txsBucket.NextSequence()
	if err != nil {
		return false, err
	}
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], next)

	if err := hashes.Put([]byte(tx.Hash), seq[:]); err != nil {
		return false, err
	}

	return true, txsBucket.Put(seq[:], value)
}

// GetLastTx returns the most recent transaction of the partition.
//
// NOTE: part of the Store interface.
func (s *KVStore) GetLastTx(query TxQuery) (*Tx, error) {
	var last *Tx
	err := kvdb.View(s.db, func(dbTx kvdb.RTx) error {
		root := dbTx.ReadBucket(s.namespace)
		if root == nil {
			return errNoNamespace
		}

		txs, err := readPartition(root.NestedReadBucket(
			partitionBucketKey(query.Account, query.Index),
		))
		if err != nil {
			return err
		}
		last = lastTx(txs, query.Confirmed)

		return nil
	}, func() {
		last = nil
	})

	return last, err
}

// RemoveTxs drops every transaction of the partition.
//
// NOTE: part of the Store interface.
func (s *KVStore) RemoveTxs(account, index uint32) error {
	return kvdb.Update(s.db, func(dbTx kvdb.RwTx) error {
		root := dbTx.ReadWriteBucket(s.namespace)
		addrIndex := dbTx.ReadWriteBucket(s.indexName)
		if root == nil || addrIndex == nil {
			return errNoNamespace
		}

		key := partitionBucketKey(account, index)
		part := root.NestedReadWriteBucket(key)
		if part == nil {
			return nil
		}
		if address := part.Get(addressKey); address != nil {
			if err := addrIndex.Delete(address); err != nil {
				return err
			}
		}

		return root.DeleteNestedBucket(key)
	}, func() {})
}

// RemovePendingTxs drops the unconfirmed transactions of the partition.
//
// NOTE: part of the Store interface.
func (s *KVStore) RemovePendingTxs(account, index uint32) error {
	return kvdb.Update(s.db, func(dbTx kvdb.RwTx) error {
		root := dbTx.ReadWriteBucket(s.namespace)
		if root == nil {
			return errNoNamespace
		}

		part := root.NestedReadWriteBucket(
			partitionBucketKey(account, index),
		)
		if part == nil {
			return nil
		}
		txsBucket := part.NestedReadWriteBucket(txsBucketKey)
		hashes := part.NestedReadWriteBucket(hashesBucketKey)
		if txsBucket == nil || hashes == nil {
			return nil
		}

		// Keys cannot be deleted while iterating, collect them first.
		var seqs, hashKeys [][]byte
		err := txsBucket.ForEach(func(k, v []byte) error {
			tx, err := decodeTx(v)
			if err != nil {
				return err
			}
			if tx.IsPending() {
				seqs = append(seqs, append([]byte(nil), k...))
				hashKeys = append(hashKeys, []byte(tx.Hash))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for i := range seqs {
			if err := txsBucket.Delete(seqs[i]); err != nil {
				return err
			}
			if err := hashes.Delete(hashKeys[i]); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// GetUniquesAddresses returns every address with stored transactions.
//
// NOTE: part of the Store interface.
func (s *KVStore) GetUniquesAddresses(
	account fn.Option[uint32]) ([]Address, error) {

	var addresses []Address
	err := kvdb.View(s.db, func(dbTx kvdb.RTx) error {
		root := dbTx.ReadBucket(s.namespace)
		if root == nil {
			return errNoNamespace
		}

		return root.ForEach(func(k, v []byte) error {
			// Only nested buckets live at the root of a namespace.
			if v != nil || len(k) != 8 {
				return nil
			}

			acct := binary.BigEndian.Uint32(k[:4])
			if !accountMatches(account, acct) {
				return nil
			}

			part := root.NestedReadBucket(k)
			txsBucket := part.NestedReadBucket(txsBucketKey)
			if txsBucket == nil {
				return nil
			}
			if first, _ := txsBucket.ReadCursor().First(); first == nil {
				return nil
			}

			addresses = append(addresses, Address{
				Address: string(part.Get(addressKey)),
				Account: acct,
				Index:   binary.BigEndian.Uint32(k[4:]),
			})

			return nil
		})
	}, func() {
		addresses = nil
	})
	if err != nil {
		return nil, err
	}
	sortAddresses(addresses)

	return addresses, nil
}

// partitionOf returns the partition bucket of address, nil if unknown.
func (s *KVStore) partitionOf(dbTx kvdb.RTx, address string) (kvdb.RBucket,
	error) {

	root := dbTx.ReadBucket(s.namespace)
	addrIndex := dbTx.ReadBucket(s.indexName)
	if root == nil || addrIndex == nil {
		return nil, errNoNamespace
	}

	key := addrIndex.Get([]byte(address))
	if key == nil {
		return nil, nil
	}

	return root.NestedReadBucket(key), nil
}

// GetAddressUnspentUtxos returns the unspent outputs of address.
//
// NOTE: part of the Store interface.
func (s *KVStore) GetAddressUnspentUtxos(address string) ([]Output, error) {
	var utxos []Output
	err := kvdb.View(s.db, func(dbTx kvdb.RTx) error {
		part, err := s.partitionOf(dbTx, address)
		if err != nil {
			return err
		}

		txs, err := readPartition(part)
		if err != nil {
			return err
		}
		utxos = unspentOutputs(txs, address)

		return nil
	}, func() {
		utxos = nil
	})

	return utxos, err
}

// GetTx returns the transaction hash stored for address.
//
// NOTE: part of the Store interface.
func (s *KVStore) GetTx(address, hash string) (*Tx, error) {
	var tx *Tx
	err := kvdb.View(s.db, func(dbTx kvdb.RTx) error {
		part, err := s.partitionOf(dbTx, address)
		if err != nil {
			return err
		}
		if part == nil {
			return ErrTxNotFound
		}

		txsBucket := part.NestedReadBucket(txsBucketKey)
		hashes := part.NestedReadBucket(hashesBucketKey)
		if txsBucket == nil || hashes == nil {
			return ErrTxNotFound
		}
		seq := hashes.Get([]byte(hash))
		if seq == nil {
			return ErrTxNotFound
		}

		tx, err = decodeTx(txsBucket.Get(seq))

		return err
	}, func() {
		tx = nil
	})
	if err != nil {
		return nil, err
	}

	return tx, nil
}

// Export dumps every stored transaction, ordered by partition then insertion.
//
// NOTE: part of the Store interface.
func (s *KVStore) Export() (*Export, error) {
	addresses, err := s.GetUniquesAddresses(fn.None[uint32]())
	if err != nil {
		return nil, err
	}

	export := &Export{Txs: []*Tx{}}
	err = kvdb.View(s.db, func(dbTx kvdb.RTx) error {
		root := dbTx.ReadBucket(s.namespace)
		if root == nil {
			return errNoNamespace
		}

		for _, address := range addresses {
			txs, err := readPartition(root.NestedReadBucket(
				partitionBucketKey(
					address.Account, address.Index,
				),
			))
			if err != nil {
				return err
			}
			export.Txs = append(export.Txs, txs...)
		}

		return nil
	}, func() {
		export.Txs = []*Tx{}
	})
	if err != nil {
		return nil, err
	}

	return export, nil
}

// Load appends the content of an export.
//
// NOTE: part of the Store interface.
func (s *KVStore) Load(data *Export) error {
	_, err := s.AppendTxs(data.Txs)
	return err
}
