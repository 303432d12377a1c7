package storage

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// Address is a derived address together with its position under an xpub.
type Address struct {
	Address string `json:"address"`
	Account uint32 `json:"account"`
	Index   uint32 `json:"index"`
}

// Block identifies the block a transaction was mined in.
type Block struct {
	Hash   string    `json:"hash"`
	Height int64     `json:"height"`
	Time   time.Time `json:"time"`
}

// OutPoint references a transaction output.
type OutPoint struct {
	Hash  string `json:"hash"`
	Index uint32 `json:"index"`
}

// String returns the hash:index form of the outpoint.
func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.Hash, o.Index)
}

// Input is a transaction input as reported by the explorer.
type Input struct {
	OutputHash  string         `json:"output_hash"`
	OutputIndex uint32         `json:"output_index"`
	Value       btcutil.Amount `json:"value"`
	Address     string         `json:"address"`
	Sequence    uint32         `json:"sequence"`
}

// OutPoint returns the output this input spends.
func (i *Input) OutPoint() OutPoint {
	return OutPoint{Hash: i.OutputHash, Index: i.OutputIndex}
}

// Output is a transaction output. BlockHeight is 0 while the transaction is
// unconfirmed.
type Output struct {
	OutputHash  string         `json:"output_hash"`
	OutputIndex uint32         `json:"output_index"`
	Value       btcutil.Amount `json:"value"`
	Address     string         `json:"address"`
	ScriptHex   string         `json:"output_script"`
	BlockHeight int64          `json:"block_height"`
	RBF         bool           `json:"rbf"`
	Account     uint32         `json:"account"`
	Index       uint32         `json:"index"`
}

// OutPoint returns the outpoint of the output.
func (o *Output) OutPoint() OutPoint {
	return OutPoint{Hash: o.OutputHash, Index: o.OutputIndex}
}

// Tx is a transaction as seen from one derived address. The same chain
// transaction is stored once per owned address it touches.
type Tx struct {
	Hash       string         `json:"hash"`
	Address    string         `json:"address"`
	Account    uint32         `json:"account"`
	Index      uint32         `json:"index"`
	Inputs     []Input        `json:"inputs"`
	Outputs    []Output       `json:"outputs"`
	Block      *Block         `json:"block,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	Fees       btcutil.Amount `json:"fees"`
}

// IsPending reports whether the transaction is not in a block yet.
func (t *Tx) IsPending() bool {
	return t.Block == nil
}

// Copy returns a deep copy of the transaction.
func (t *Tx) Copy() *Tx {
	c := *t
	c.Inputs = append([]Input(nil), t.Inputs...)
	c.Outputs = append([]Output(nil), t.Outputs...)
	if t.Block != nil {
		block := *t.Block
		c.Block = &block
	}

	return &c
}

// TxQuery selects the transactions of one derived address.
type TxQuery struct {
	Account uint32
	Index   uint32

	// Confirmed restricts the query to mined transactions.
	Confirmed bool
}

// Export is the serializable content of a store.
type Export struct {
	Txs []*Tx `json:"txs"`
}
