package xpubwallet

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/explorer"
	"github.com/lightningnetwork/xpubwallet/storage"
	"github.com/lightningnetwork/xpubwallet/wallet"
	"github.com/lightningnetwork/xpubwallet/walletcfg"
	"github.com/stretchr/testify/require"
)

// TestAccountFileRoundTrip checks that the account exported on shutdown is
// restored on the next start, into a bolt store.
func TestAccountFileRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.AccountFile = filepath.Join(t.TempDir(), "account.json")
	cfg.mode = derivation.ModeLegacy

	mock := explorer.NewMock()
	w, err := wallet.New(wallet.Config{Explorer: mock, GapLimit: 5})
	require.NoError(t, err)

	serialized, err := readAccountFile(cfg.AccountFile)
	require.NoError(t, err)
	require.Nil(t, serialized)

	store, closeStore, err := openStore(&cfg, testXpub)
	require.NoError(t, err)

	account, err := loadAccount(&cfg, w, store, testXpub, nil)
	require.NoError(t, err)

	address, err := account.Xpub.GetAddress(0, 0)
	require.NoError(t, err)
	mock.AddTx(address.Address, &storage.Tx{
		Hash: "funding",
		Outputs: []storage.Output{{
			OutputHash: "funding",
			Value:      42_000,
			Address:    address.Address,
		}},
		Block: &storage.Block{Hash: "block-7", Height: 7},
	})

	ctx := context.Background()
	syncAccount(ctx, &cfg, w, account)

	require.NoError(t, exportAccount(cfg.AccountFile, w, account))
	account.Close()
	closeStore()

	info, err := os.Stat(cfg.AccountFile)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	serialized, err = readAccountFile(cfg.AccountFile)
	require.NoError(t, err)
	require.Equal(t, testXpub, serialized.Xpub)
	require.Equal(t, "44'/0'/0'", serialized.Params.Path)

	// The restarted daemon uses an in-memory store.
	cfg.DB.Backend = walletcfg.MemoryBackend
	store, closeStore, err = openStore(&cfg, serialized.Xpub)
	require.NoError(t, err)
	defer closeStore()

	restored, err := loadAccount(&cfg, w, store, testXpub, serialized)
	require.NoError(t, err)
	defer restored.Close()

	balance, err := w.GetAccountBalance(ctx, restored)
	require.NoError(t, err)
	require.EqualValues(t, 42_000, balance)
}

// TestReadAccountFileInvalid checks that a corrupted account file is
// reported.
func TestReadAccountFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0600))

	_, err := readAccountFile(path)
	require.Error(t, err)

	serialized, err := readAccountFile("")
	require.NoError(t, err)
	require.Nil(t, serialized)
}
