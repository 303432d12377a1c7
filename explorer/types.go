package explorer

// BlockInfo represents block information from the API.
type BlockInfo struct {
	ID                string `json:"id"`
	Height            int64  `json:"height"`
	Timestamp         int64  `json:"timestamp"`
	PreviousBlockHash string `json:"previousblockhash"`
}

// TxStatus represents transaction confirmation status.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height,omitempty"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// TxInfo represents transaction information from the API.
type TxInfo struct {
	TxID     string   `json:"txid"`
	Version  int32    `json:"version"`
	LockTime uint32   `json:"locktime"`
	Fee      int64    `json:"fee"`
	Vin      []TxVin  `json:"vin"`
	Vout     []TxVout `json:"vout"`
	Status   TxStatus `json:"status"`
}

// TxVin represents a transaction input.
type TxVin struct {
	TxID       string  `json:"txid"`
	Vout       uint32  `json:"vout"`
	PrevOut    *TxVout `json:"prevout,omitempty"`
	Sequence   uint32  `json:"sequence"`
	IsCoinbase bool    `json:"is_coinbase"`
}

// TxVout represents a transaction output.
type TxVout struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            int64  `json:"value"`
}

// FeeEstimates represents fee estimates from the API. Keys are confirmation
// targets as strings, values are fee rates in sat/vB.
type FeeEstimates map[string]float64
