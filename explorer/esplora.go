package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/xpubwallet/monitoring"
	"github.com/lightningnetwork/xpubwallet/storage"
	"github.com/lightningnetwork/xpubwallet/walletcfg"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

const (
	// chainPageSize is the number of confirmed transactions Esplora
	// returns per page of an address history.
	chainPageSize = 25

	// retryBackoff is the delay before the first retry, later retries
	// wait a multiple of it.
	retryBackoff = 100 * time.Millisecond

	// breakerMinRequests is the number of requests the breaker observes
	// before it may trip.
	breakerMinRequests = 20

	// breakerFailureRatio is the failure ratio that trips the breaker.
	breakerFailureRatio = 0.7
)

// response is a completed HTTP exchange with a non 5xx status.
type response struct {
	status int
	body   []byte
}

// Esplora is an Explorer backed by the Esplora REST API.
type Esplora struct {
	cfg   *walletcfg.Esplora
	clock clock.Clock

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    ratelimit.Limiter

	quit     chan struct{}
	stopOnce sync.Once
}

// A compile-time check to ensure Esplora implements the Explorer interface.
var _ Explorer = (*Esplora)(nil)

// NewEsplora creates a new Esplora client with the given configuration.
func NewEsplora(cfg *walletcfg.Esplora, clk clock.Clock) *Esplora {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = walletcfg.DefaultEsploraRequestsPerSecond
	}

	return &Esplora{
		cfg:   cfg,
		clock: clk,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		breaker: newCircuitBreaker(),
		limiter: ratelimit.New(rps),
		quit:    make(chan struct{}),
	}
}

// newCircuitBreaker returns the breaker guarding the explorer. It opens when
// most of the recent requests failed so a dead explorer is not hammered by a
// discovery sweep.
func newCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "explorer",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) /
				float64(counts.Requests)

			return counts.Requests > breakerMinRequests &&
				failureRatio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			monitoring.ExplorerBreakerState.Set(float64(to))

			switch {
			case to == gobreaker.StateOpen:
				log.Warnf("Explorer seems down, stop " +
					"allowing requests")

			case from == gobreaker.StateOpen &&
				to == gobreaker.StateHalfOpen:

				log.Infof("Checking explorer status")

			case from == gobreaker.StateHalfOpen &&
				to == gobreaker.StateClosed:

				log.Infof("Explorer seems ok, restart " +
					"allowing requests")
			}
		},
	})
}

// Stop aborts pending retries and makes every further call fail with
// ErrClientShutdown.
func (e *Esplora) Stop() {
	e.stopOnce.Do(func() {
		log.Infof("Stopping Esplora client, url=%s", e.cfg.URL)
		close(e.quit)
	})
}

// roundTrip performs a single HTTP exchange. Server errors are returned as
// errors so that they count as breaker failures.
func (e *Esplora) roundTrip(ctx context.Context, method, path string,
	body []byte) (*response, error) {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, e.cfg.URL+path, reader,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("API returned status %d: %s",
			resp.StatusCode, string(respBody))
	}

	return &response{status: resp.StatusCode, body: respBody}, nil
}

// do performs an HTTP request with retries, rate limiting and the circuit
// breaker.
func (e *Esplora) do(ctx context.Context, op, method, path string,
	body []byte) (*response, error) {

	var lastErr error
	for i := 0; i <= e.cfg.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-time.After(time.Duration(i) * retryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-e.quit:
				return nil, ErrClientShutdown
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.quit:
			return nil, ErrClientShutdown
		default:
		}

		e.limiter.Take()

		res, err := e.breaker.Execute(func() (interface{}, error) {
			return e.roundTrip(ctx, method, path, body)
		})
		monitoring.ExplorerRequests.WithLabelValues(
			op, monitoring.ResultLabel(err),
		).Inc()
		if err == nil {
			return res.(*response), nil
		}

		lastErr = err
		log.Debugf("Explorer request %v %v failed (attempt %d): %v",
			method, path, i+1, err)

		// Retrying is pointless once the breaker is open or the
		// caller gave up.
		if errors.Is(err, gobreaker.ErrOpenState) ||
			errors.Is(err, gobreaker.ErrTooManyRequests) ||
			ctx.Err() != nil {

			break
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		e.cfg.MaxRetries+1, lastErr)
}

// get performs a GET request. It returns a nil body on 404.
func (e *Esplora) get(ctx context.Context, op, path string) ([]byte, error) {
	resp, err := e.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	switch resp.status {
	case http.StatusOK:
		return resp.body, nil

	case http.StatusNotFound:
		return nil, nil

	default:
		return nil, fmt.Errorf("API returned status %d: %s",
			resp.status, string(resp.body))
	}
}

// getJSON decodes the JSON body of a GET request into v. It reports false
// on 404.
func (e *Esplora) getJSON(ctx context.Context, op, path string,
	v interface{}) (bool, error) {

	body, err := e.get(ctx, op, path)
	if err != nil || body == nil {
		return false, err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}

	return true, nil
}

// GetAddressTxsSinceLastTxBlock returns the confirmed transactions of address
// mined at or after the block of lastTx, oldest first.
//
// NOTE: part of the Explorer interface.
func (e *Esplora) GetAddressTxsSinceLastTxBlock(ctx context.Context,
	batchSize int, address storage.Address,
	lastTx *storage.Tx) ([]*storage.Tx, error) {

	const op = "address txs"

	var fromHeight int64
	if lastTx != nil && lastTx.Block != nil {
		fromHeight = lastTx.Block.Height
	}

	// Pages come newest first, walk back until the starting height is
	// passed or the history is exhausted.
	var (
		collected []*TxInfo
		lastSeen  string
	)
	for {
		path := "/address/" + address.Address + "/txs/chain"
		if lastSeen != "" {
			path += "/" + lastSeen
		}

		var page []*TxInfo
		if _, err := e.getJSON(ctx, op, path, &page); err != nil {
			return nil, &Error{Op: op, Err: err}
		}
		if len(page) == 0 {
			break
		}

		reachedStart := false
		for _, info := range page {
			if !info.Status.Confirmed {
				continue
			}
			if info.Status.BlockHeight < fromHeight {
				reachedStart = true
				break
			}
			collected = append(collected, info)
		}

		if reachedStart || len(page) < chainPageSize {
			break
		}
		lastSeen = page[len(page)-1].TxID
	}

	sort.SliceStable(collected, func(i, j int) bool {
		return collected[i].Status.BlockHeight <
			collected[j].Status.BlockHeight
	})
	if batchSize > 0 && len(collected) > batchSize {
		collected = collected[:batchSize]
	}

	now := e.clock.Now()
	txs := make([]*storage.Tx, 0, len(collected))
	for _, info := range collected {
		txs = append(txs, toStorageTx(info, address, now))
	}

	return txs, nil
}

// GetPendings returns the mempool transactions of address.
//
// NOTE: part of the Explorer interface.
func (e *Esplora) GetPendings(ctx context.Context,
	address storage.Address) ([]*storage.Tx, error) {

	const op = "pendings"

	var infos []*TxInfo
	path := "/address/" + address.Address + "/txs/mempool"
	if _, err := e.getJSON(ctx, op, path, &infos); err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	now := e.clock.Now()
	txs := make([]*storage.Tx, 0, len(infos))
	for _, info := range infos {
		if info.Status.Confirmed {
			continue
		}
		txs = append(txs, toStorageTx(info, address, now))
	}

	return txs, nil
}

// getBlock fetches a block by hash, nil when unknown.
func (e *Esplora) getBlock(ctx context.Context, op,
	hash string) (*storage.Block, error) {

	var info BlockInfo
	found, err := e.getJSON(ctx, op, "/block/"+hash, &info)
	if err != nil || !found {
		return nil, err
	}

	return &storage.Block{
		Hash:   info.ID,
		Height: info.Height,
		Time:   time.Unix(info.Timestamp, 0).UTC(),
	}, nil
}

// GetBlockByHeight returns the best chain block at height.
//
// NOTE: part of the Explorer interface.
func (e *Esplora) GetBlockByHeight(ctx context.Context,
	height int64) (*storage.Block, error) {

	const op = "block by height"

	hash, err := e.get(ctx, op, fmt.Sprintf("/block-height/%d", height))
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if hash == nil {
		return nil, nil
	}

	block, err := e.getBlock(ctx, op, strings.TrimSpace(string(hash)))
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	return block, nil
}

// GetCurrentBlock returns the tip of the best chain.
//
// NOTE: part of the Explorer interface.
func (e *Esplora) GetCurrentBlock(ctx context.Context) (*storage.Block,
	error) {

	const op = "current block"

	hash, err := e.get(ctx, op, "/blocks/tip/hash")
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if hash == nil {
		return nil, nil
	}

	block, err := e.getBlock(ctx, op, strings.TrimSpace(string(hash)))
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	return block, nil
}

// GetTxHex fetches the raw transaction hex by hash.
//
// NOTE: part of the Explorer interface.
func (e *Esplora) GetTxHex(ctx context.Context, hash string) (string, error) {
	const op = "tx hex"

	body, err := e.get(ctx, op, "/tx/"+hash+"/hex")
	if err != nil {
		return "", &Error{Op: op, Err: err}
	}
	if body == nil {
		return "", &Error{
			Op:  op,
			Err: fmt.Errorf("%w: %s", ErrTxNotFound, hash),
		}
	}

	return strings.TrimSpace(string(body)), nil
}

// Broadcast relays a raw transaction and returns its hash.
//
// NOTE: part of the Explorer interface.
func (e *Esplora) Broadcast(ctx context.Context, rawHex string) (string,
	error) {

	const op = "broadcast"

	resp, err := e.do(ctx, op, http.MethodPost, "/tx", []byte(rawHex))
	if err != nil {
		return "", &Error{Op: op, Err: err}
	}
	if resp.status != http.StatusOK {
		return "", &Error{
			Op: op,
			Err: fmt.Errorf("%w: status %d: %s",
				ErrBroadcastRejected, resp.status,
				string(resp.body)),
		}
	}

	return strings.TrimSpace(string(resp.body)), nil
}

// EstimateFeePerByte returns the fee rate for the smallest published target
// not below confTarget, rounded up to a whole satoshi per byte.
//
// NOTE: part of the Explorer interface.
func (e *Esplora) EstimateFeePerByte(ctx context.Context,
	confTarget uint32) (btcutil.Amount, error) {

	const op = "fee estimates"

	var estimates FeeEstimates
	found, err := e.getJSON(ctx, op, "/fee-estimates", &estimates)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	if !found || len(estimates) == 0 {
		return 0, &Error{Op: op, Err: errors.New("no fee estimates")}
	}

	rate, err := pickFeeRate(estimates, confTarget)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}

	return rate, nil
}

// pickFeeRate selects the estimate of the smallest target >= confTarget, or
// of the largest target if none is, and converts it to sat/byte.
func pickFeeRate(estimates FeeEstimates,
	confTarget uint32) (btcutil.Amount, error) {

	targets := make([]int, 0, len(estimates))
	rates := make(map[int]float64, len(estimates))
	for key, rate := range estimates {
		target, err := strconv.Atoi(key)
		if err != nil {
			return 0, fmt.Errorf("invalid target %q: %w", key, err)
		}
		targets = append(targets, target)
		rates[target] = rate
	}
	sort.Ints(targets)

	chosen := targets[len(targets)-1]
	for _, target := range targets {
		if target >= int(confTarget) {
			chosen = target
			break
		}
	}

	feePerByte := decimal.NewFromFloat(rates[chosen]).Ceil().IntPart()
	if feePerByte < 1 {
		feePerByte = 1
	}

	return btcutil.Amount(feePerByte), nil
}
