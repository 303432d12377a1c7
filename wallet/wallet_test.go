package wallet

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/xpubwallet/coinselect"
	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/explorer"
	"github.com/lightningnetwork/xpubwallet/storage"
	"github.com/lightningnetwork/xpubwallet/txbuilder"
	"github.com/stretchr/testify/require"
)

var errUserDenied = errors.New("denied by user")

// mockSigner derives keys from a fixed seed.
type mockSigner struct {
	master *hdkeychain.ExtendedKey
	reject bool

	requests []*SignRequest
}

func newMockSigner(t *testing.T) *mockSigner {
	seed := bytes.Repeat([]byte{0x42}, hdkeychain.RecommendedSeedLen)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	require.NoError(t, err)

	return &mockSigner{master: master}
}

func (m *mockSigner) derive(path string) (*hdkeychain.ExtendedKey, error) {
	key := m.master
	for _, elem := range strings.Split(strings.TrimPrefix(path, "m/"),
		"/") {

		hardened := strings.HasSuffix(elem, "'")
		index, err := strconv.ParseUint(
			strings.TrimSuffix(elem, "'"), 10, 32,
		)
		if err != nil {
			return nil, err
		}
		if hardened {
			index += hdkeychain.HardenedKeyStart
		}

		key, err = key.Derive(uint32(index))
		if err != nil {
			return nil, err
		}
	}

	return key, nil
}

func (m *mockSigner) GetPublicKey(_ context.Context,
	path string) (*ExtendedPublicKey, error) {

	key, err := m.derive(path)
	if err != nil {
		return nil, err
	}
	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}

	return &ExtendedPublicKey{
		PubKey:    pubKey,
		ChainCode: key.ChainCode(),
	}, nil
}

func (m *mockSigner) SignTransaction(_ context.Context,
	req *SignRequest) (string, error) {

	m.requests = append(m.requests, req)
	if m.reject {
		return "", errUserDenied
	}

	var buf bytes.Buffer
	if err := req.Packet.UnsignedTx.Serialize(&buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

type testHarness struct {
	wallet   *Wallet
	explorer *explorer.Mock
	signer   *mockSigner
	account  *Account
}

func newTestHarness(t *testing.T) *testHarness {
	mock := explorer.NewMock()
	w, err := New(Config{
		Explorer: mock,
		Clock:    clock.NewTestClock(testTime),
		GapLimit: 5,
	})
	require.NoError(t, err)

	signer := newMockSigner(t)
	currency, err := derivation.LookupCurrency("bitcoin")
	require.NoError(t, err)

	xpub, err := DeriveXpub(
		context.Background(), signer, currency,
		derivation.ModeNativeSegwit, 0,
	)
	require.NoError(t, err)

	account, err := w.GenerateAccount(AccountParams{
		Currency:       "bitcoin",
		DerivationMode: derivation.ModeNativeSegwit,
	}, xpub, nil)
	require.NoError(t, err)
	t.Cleanup(account.Close)

	return &testHarness{
		wallet:   w,
		explorer: mock,
		signer:   signer,
		account:  account,
	}
}

// fund pays value to branch/index with a transaction mined at height.
func (h *testHarness) fund(t *testing.T, branch, index uint32,
	value btcutil.Amount, height int64) {

	address, err := h.account.Xpub.GetAddress(branch, index)
	require.NoError(t, err)
	script, err := h.account.Xpub.Deriver().ToOutputScript(
		address.Address,
	)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Index: uint32(height)}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(int64(value), script))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	hash := tx.TxHash().String()
	h.explorer.SetTxHex(hash, hex.EncodeToString(buf.Bytes()))

	h.explorer.AddTx(address.Address, &storage.Tx{
		Hash: hash,
		Outputs: []storage.Output{{
			OutputHash: hash,
			Value:      value,
			Address:    address.Address,
			ScriptHex:  hex.EncodeToString(script),
		}},
		Block: &storage.Block{
			Hash:   "block-" + strconv.FormatInt(height, 10),
			Height: height,
		},
	})
}

// TestDeriveXpub checks that the xpub built from the signer keys matches
// the one derived from the private key.
func TestDeriveXpub(t *testing.T) {
	t.Parallel()

	signer := newMockSigner(t)
	currency, err := derivation.LookupCurrency("bitcoin")
	require.NoError(t, err)

	for _, mode := range derivation.AllModes {
		for _, index := range []uint32{0, 7} {
			xpub, err := DeriveXpub(
				context.Background(), signer, currency, mode,
				index,
			)
			require.NoError(t, err)

			key, err := signer.derive(
				derivation.AccountPath(mode, currency, index),
			)
			require.NoError(t, err)
			expected, err := key.Neuter()
			require.NoError(t, err)

			require.Equal(t, expected.String(), xpub, "%v/%d",
				mode, index)
		}
	}

	doge, err := derivation.LookupCurrency("dogecoin")
	require.NoError(t, err)
	_, err = DeriveXpub(
		context.Background(), signer, doge, derivation.ModeTaproot, 0,
	)
	require.ErrorIs(t, err, derivation.ErrUnsupportedMode)
}

// TestAccountFlow syncs, builds, signs and broadcasts a spend.
func TestAccountFlow(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.fund(t, ReceiveAccount, 0, 300_000, 100)
	h.fund(t, ReceiveAccount, 2, 700_000, 101)

	ctx := context.Background()
	active, err := h.wallet.SyncAccount(ctx, h.account)
	require.NoError(t, err)
	require.EqualValues(t, 1, active)

	balance, err := h.wallet.GetAccountBalance(ctx, h.account)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1_000_000), balance)

	utxos, err := h.wallet.GetAccountUnspentUtxos(ctx, h.account)
	require.NoError(t, err)
	require.Len(t, utxos, 2)

	receive, err := h.wallet.GetAccountNewReceiveAddress(ctx, h.account)
	require.NoError(t, err)
	require.EqualValues(t, ReceiveAccount, receive.Account)
	require.EqualValues(t, 3, receive.Index)

	change, err := h.wallet.GetAccountNewChangeAddress(ctx, h.account)
	require.NoError(t, err)
	require.EqualValues(t, ChangeAccount, change.Account)
	require.EqualValues(t, 0, change.Index)

	txInfo, err := h.wallet.BuildAccountTx(ctx, h.account,
		txbuilder.Params{
			DestAddress:   receive.Address,
			Amount:        500_000,
			FeePerByte:    3,
			ChangeAddress: change,
			Strategy:      coinselect.NewDeepFirst(),
		},
	)
	require.NoError(t, err)
	require.Len(t, txInfo.Inputs, 2)
	require.True(t, txInfo.HasChange())

	signed, err := h.wallet.SignAccountTx(ctx, h.account, h.signer, txInfo)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	req := h.signer.requests[0]
	require.Equal(t, []string{"84'/0'/0'/0/0", "84'/0'/0'/0/2"},
		req.InputPaths)
	require.Equal(t, "84'/0'/0'/1/0", req.ChangePath)
	require.Equal(t, derivation.ModeNativeSegwit, req.Mode)

	hash, err := h.wallet.BroadcastTx(ctx, h.account, signed)
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	require.Equal(t, []string{signed}, h.explorer.Broadcasted())
}

// TestSignerRejection checks that signer failures are typed.
func TestSignerRejection(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.fund(t, ReceiveAccount, 0, 300_000, 100)

	ctx := context.Background()
	_, err := h.wallet.SyncAccount(ctx, h.account)
	require.NoError(t, err)

	change, err := h.wallet.GetAccountNewChangeAddress(ctx, h.account)
	require.NoError(t, err)

	txInfo, err := h.wallet.BuildAccountTx(ctx, h.account,
		txbuilder.Params{
			DestAddress:   change.Address,
			Amount:        100_000,
			FeePerByte:    1,
			ChangeAddress: change,
			Strategy:      coinselect.NewMerge(),
		},
	)
	require.NoError(t, err)

	h.signer.reject = true
	_, err = h.wallet.SignAccountTx(ctx, h.account, h.signer, txInfo)

	var rejected *SignerRejectedError
	require.ErrorAs(t, err, &rejected)
	require.ErrorIs(t, err, errUserDenied)
}

// TestEstimateAccountMaxSpendable checks the full sweep estimation.
func TestEstimateAccountMaxSpendable(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.fund(t, ReceiveAccount, 0, 300_000, 100)
	h.fund(t, ReceiveAccount, 1, 700_000, 101)

	ctx := context.Background()
	_, err := h.wallet.SyncAccount(ctx, h.account)
	require.NoError(t, err)

	mode := derivation.ModeNativeSegwit
	fee := coinselect.FeeForSize(10, coinselect.EstimateTxSize(2, 1, mode))

	spendable, err := h.wallet.EstimateAccountMaxSpendable(
		ctx, h.account, 10, nil,
	)
	require.NoError(t, err)
	require.Equal(t, 1_000_000-fee, spendable)

	utxos, err := h.wallet.GetAccountUnspentUtxos(ctx, h.account)
	require.NoError(t, err)

	var excluded []storage.OutPoint
	for _, utxo := range utxos {
		if utxo.Value == 700_000 {
			excluded = append(excluded, utxo.OutPoint())
		}
	}
	fee = coinselect.FeeForSize(10, coinselect.EstimateTxSize(1, 1, mode))

	spendable, err = h.wallet.EstimateAccountMaxSpendable(
		ctx, h.account, 10, excluded,
	)
	require.NoError(t, err)
	require.Equal(t, 300_000-fee, spendable)

	spendable, err = h.wallet.EstimateAccountMaxSpendable(
		ctx, h.account, 1_000_000, nil,
	)
	require.NoError(t, err)
	require.Zero(t, spendable)
}

// TestExportImportAccount checks that an exported account is restored with
// its history.
func TestExportImportAccount(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.fund(t, ReceiveAccount, 0, 300_000, 100)
	h.fund(t, ChangeAccount, 0, 5_000, 102)

	ctx := context.Background()
	_, err := h.wallet.SyncAccount(ctx, h.account)
	require.NoError(t, err)

	serialized, err := h.wallet.ExportAccount(h.account)
	require.NoError(t, err)

	imported, err := h.wallet.ImportAccount(serialized, nil)
	require.NoError(t, err)
	defer imported.Close()

	require.Equal(t, h.account.Params, imported.Params)
	require.Equal(t, h.account.Xpub.Xpub(), imported.Xpub.Xpub())
	require.Equal(t, "84'/0'/0'", imported.Params.Path)
	require.Equal(t, "mainnet", imported.Params.Network)

	balance, err := h.wallet.GetAccountBalance(ctx, imported)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(305_000), balance)

	_, err = h.wallet.ImportAccount([]byte("{"), nil)
	require.Error(t, err)
}

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
