package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/xpubwallet/storage"
	"github.com/lightningnetwork/xpubwallet/walletcfg"
	"github.com/stretchr/testify/require"
)

const testAddress = "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"

var testNow = time.Unix(1700000000, 0).UTC()

// chainTx returns a confirmed API transaction paying 1000 sat to
// testAddress at height.
func chainTx(height int64) *TxInfo {
	return &TxInfo{
		TxID: fmt.Sprintf("tx%03d", height),
		Fee:  141,
		Vin: []TxVin{{
			TxID:     fmt.Sprintf("prev%03d", height),
			Vout:     1,
			Sequence: 0xffffffff,
			PrevOut: &TxVout{
				ScriptPubKeyAddr: "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2",
				Value:            5000,
			},
		}},
		Vout: []TxVout{{
			ScriptPubKey:     "0014c0cebcd6c3d3ca8c75dc5ec62ebe55330ef910e2",
			ScriptPubKeyAddr: testAddress,
			Value:            1000,
		}},
		Status: TxStatus{
			Confirmed:   true,
			BlockHeight: height,
			BlockHash:   fmt.Sprintf("block%03d", height),
			BlockTime:   testNow.Unix() + height,
		},
	}
}

// fakeEsplora serves a chain of confirmed transactions at heights
// 1..numTxs for testAddress, paginated like Esplora.
func fakeEsplora(t *testing.T, numTxs int64) *httptest.Server {
	writeJSON := func(w http.ResponseWriter, v interface{}) {
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	chainPrefix := "/address/" + testAddress + "/txs/chain"

	chainHandler := func(w http.ResponseWriter, r *http.Request) {

		// Newest first, 25 per page, starting after the last seen txid.
		start := numTxs
		if rest := strings.TrimPrefix(r.URL.Path, chainPrefix); rest != "" {
			seen, err := strconv.ParseInt(
				strings.TrimPrefix(rest, "/tx"), 10, 64,
			)
			require.NoError(t, err)
			start = seen - 1
		}

		page := []*TxInfo{}
		for h := start; h >= 1 && len(page) < chainPageSize; h-- {
			page = append(page, chainTx(h))
		}
		writeJSON(w, page)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(chainPrefix, chainHandler)
	mux.HandleFunc(chainPrefix+"/", chainHandler)
	mux.HandleFunc("/address/"+testAddress+"/txs/mempool", func(
		w http.ResponseWriter, r *http.Request) {

		pending := chainTx(0)
		pending.TxID = "pending"
		pending.Status = TxStatus{}
		pending.Vin[0].Sequence = 0xfffffffd
		writeJSON(w, []*TxInfo{pending})
	})
	mux.HandleFunc("/block-height/", func(w http.ResponseWriter,
		r *http.Request) {

		height, err := strconv.ParseInt(
			strings.TrimPrefix(r.URL.Path, "/block-height/"), 10, 64,
		)
		require.NoError(t, err)
		if height > numTxs {
			http.Error(w, "Block not found", http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, "block%03d", height)
	})
	mux.HandleFunc("/block/", func(w http.ResponseWriter,
		r *http.Request) {

		hash := strings.TrimPrefix(r.URL.Path, "/block/")
		height, err := strconv.ParseInt(
			strings.TrimPrefix(hash, "block"), 10, 64,
		)
		require.NoError(t, err)
		writeJSON(w, &BlockInfo{
			ID:        hash,
			Height:    height,
			Timestamp: testNow.Unix() + height,
		})
	})
	mux.HandleFunc("/blocks/tip/hash", func(w http.ResponseWriter,
		r *http.Request) {

		fmt.Fprintf(w, "block%03d", numTxs)
	})
	mux.HandleFunc("/tx/tx001/hex", func(w http.ResponseWriter,
		r *http.Request) {

		fmt.Fprint(w, "0200000001abcdef\n")
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if string(body) == "bad" {
			http.Error(w, "sendrawtransaction RPC error",
				http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "broadcasted-txid")
	})
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter,
		r *http.Request) {

		writeJSON(w, FeeEstimates{"1": 20.5, "6": 10.2, "144": 1.01})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func newTestEsplora(url string) *Esplora {
	cfg := walletcfg.DefaultEsploraConfig()
	cfg.URL = url
	cfg.RequestTimeout = 5 * time.Second
	cfg.RequestsPerSecond = 1000

	return NewEsplora(cfg, clock.NewTestClock(testNow))
}

// TestAddressTxsSinceLastTxBlock checks pagination, ordering and batching.
func TestAddressTxsSinceLastTxBlock(t *testing.T) {
	t.Parallel()

	server := fakeEsplora(t, 60)
	client := newTestEsplora(server.URL)
	defer client.Stop()

	ctx := context.Background()
	address := storage.Address{Address: testAddress, Account: 0, Index: 3}

	txs, err := client.GetAddressTxsSinceLastTxBlock(
		ctx, 1000, address, nil,
	)
	require.NoError(t, err)
	require.Len(t, txs, 60)
	for i, tx := range txs {
		require.EqualValues(t, i+1, tx.Block.Height)
		require.EqualValues(t, 3, tx.Index)
		require.Equal(t, testAddress, tx.Address)
	}

	lastTx := txs[9]
	txs, err = client.GetAddressTxsSinceLastTxBlock(
		ctx, 5, address, lastTx,
	)
	require.NoError(t, err)
	require.Len(t, txs, 5)
	require.EqualValues(t, 10, txs[0].Block.Height)
	require.EqualValues(t, 14, txs[4].Block.Height)

	tx := txs[0]
	require.Equal(t, "tx010", tx.Hash)
	require.Equal(t, btcutil.Amount(141), tx.Fees)
	require.Len(t, tx.Inputs, 1)
	require.Equal(t, "prev010", tx.Inputs[0].OutputHash)
	require.EqualValues(t, 5000, tx.Inputs[0].Value)
	require.Len(t, tx.Outputs, 1)
	require.EqualValues(t, 10, tx.Outputs[0].BlockHeight)
	require.False(t, tx.Outputs[0].RBF)
	require.Equal(t, tx.Block.Time, tx.ReceivedAt)
}

// TestPendings checks mempool conversion.
func TestPendings(t *testing.T) {
	t.Parallel()

	server := fakeEsplora(t, 3)
	client := newTestEsplora(server.URL)
	defer client.Stop()

	txs, err := client.GetPendings(context.Background(), storage.Address{
		Address: testAddress,
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.True(t, txs[0].IsPending())
	require.Equal(t, testNow, txs[0].ReceivedAt)
	require.True(t, txs[0].Outputs[0].RBF)
	require.Zero(t, txs[0].Outputs[0].BlockHeight)
}

// TestBlocksAndBroadcast covers the remaining endpoints.
func TestBlocksAndBroadcast(t *testing.T) {
	t.Parallel()

	server := fakeEsplora(t, 12)
	client := newTestEsplora(server.URL)
	defer client.Stop()

	ctx := context.Background()

	block, err := client.GetBlockByHeight(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "block007", block.Hash)
	require.EqualValues(t, 7, block.Height)

	block, err = client.GetBlockByHeight(ctx, 13)
	require.NoError(t, err)
	require.Nil(t, block)

	tip, err := client.GetCurrentBlock(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 12, tip.Height)

	raw, err := client.GetTxHex(ctx, "tx001")
	require.NoError(t, err)
	require.Equal(t, "0200000001abcdef", raw)

	_, err = client.GetTxHex(ctx, "unknown")
	require.ErrorIs(t, err, ErrTxNotFound)

	txid, err := client.Broadcast(ctx, "0200")
	require.NoError(t, err)
	require.Equal(t, "broadcasted-txid", txid)

	_, err = client.Broadcast(ctx, "bad")
	require.ErrorIs(t, err, ErrBroadcastRejected)

	var explorerErr *Error
	require.ErrorAs(t, err, &explorerErr)
	require.Equal(t, "broadcast", explorerErr.Op)
}

// TestEstimateFeePerByte checks target selection and rounding.
func TestEstimateFeePerByte(t *testing.T) {
	t.Parallel()

	server := fakeEsplora(t, 1)
	client := newTestEsplora(server.URL)
	defer client.Stop()

	testCases := []struct {
		target uint32
		rate   btcutil.Amount
	}{
		{target: 1, rate: 21},
		{target: 3, rate: 11},
		{target: 6, rate: 11},
		{target: 100, rate: 2},
		{target: 1000, rate: 2},
	}
	for _, testCase := range testCases {
		rate, err := client.EstimateFeePerByte(
			context.Background(), testCase.target,
		)
		require.NoError(t, err)
		require.Equal(t, testCase.rate, rate, "target %d",
			testCase.target)
	}
}

// TestRetries checks that server errors are retried and that a stopped
// client refuses requests.
func TestRetries(t *testing.T) {
	t.Parallel()

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(
		w http.ResponseWriter, r *http.Request) {

		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "overloaded", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "00")
	}))
	defer server.Close()

	client := newTestEsplora(server.URL)

	raw, err := client.GetTxHex(context.Background(), "any")
	require.NoError(t, err)
	require.Equal(t, "00", raw)
	require.EqualValues(t, 3, atomic.LoadInt32(&calls))

	client.Stop()
	_, err = client.GetTxHex(context.Background(), "any")
	require.ErrorIs(t, err, ErrClientShutdown)
}
