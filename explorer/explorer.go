package explorer

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/xpubwallet/storage"
)

var (
	// ErrClientShutdown is returned when the client has been shut down.
	ErrClientShutdown = errors.New("explorer client has been shut down")

	// ErrTxNotFound is returned when a transaction is unknown to the
	// explorer.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrBroadcastRejected is returned when the explorer refuses a
	// transaction.
	ErrBroadcastRejected = errors.New("transaction rejected")
)

// Error wraps any failure of an explorer backend with the operation that
// failed.
type Error struct {
	Op  string
	Err error
}

// Error returns a human readable description of the failure.
func (e *Error) Error() string {
	return fmt.Sprintf("explorer: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Explorer is the chain data source of the sync engine.
type Explorer interface {
	// GetAddressTxsSinceLastTxBlock returns at most batchSize confirmed
	// transactions of address mined at or after the block of lastTx,
	// ordered by ascending height. A nil lastTx starts from genesis.
	GetAddressTxsSinceLastTxBlock(ctx context.Context, batchSize int,
		address storage.Address, lastTx *storage.Tx) ([]*storage.Tx,
		error)

	// GetPendings returns the unconfirmed transactions of address.
	GetPendings(ctx context.Context,
		address storage.Address) ([]*storage.Tx, error)

	// GetBlockByHeight returns the block of the best chain at height, or
	// nil if the chain is not that long.
	GetBlockByHeight(ctx context.Context,
		height int64) (*storage.Block, error)

	// GetTxHex returns the serialized transaction hash in hex.
	GetTxHex(ctx context.Context, hash string) (string, error)

	// Broadcast relays a signed transaction and returns its hash.
	Broadcast(ctx context.Context, rawHex string) (string, error)

	// GetCurrentBlock returns the tip of the best chain, or nil if it is
	// unknown.
	GetCurrentBlock(ctx context.Context) (*storage.Block, error)

	// EstimateFeePerByte returns the fee rate, in satoshi per virtual
	// byte, expected to confirm within confTarget blocks.
	EstimateFeePerByte(ctx context.Context,
		confTarget uint32) (btcutil.Amount, error)
}
