package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/xpubwallet/build"
	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/explorer"
	"github.com/lightningnetwork/xpubwallet/storage"
	"github.com/lightningnetwork/xpubwallet/wallet"
	"github.com/lightningnetwork/xpubwallet/walletcfg"
	"github.com/urfave/cli"
)

var defaultWalletDir = btcutil.AppDataDir("xpubwallet", false)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[xpubcli] %v\n", err)
	os.Exit(1)
}

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}

	fmt.Println(string(b))
}

// session is an account opened from the global flags.
type session struct {
	wallet   *wallet.Wallet
	account  *wallet.Account
	explorer *explorer.Esplora
	store    *storage.KVStore
}

// close releases the resources of the session.
func (s *session) close() {
	s.account.Close()
	if s.explorer != nil {
		s.explorer.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "unable to close store: %v\n", err)
		}
	}
}

// deriverFromFlags returns the deriver of the --currency flag.
func deriverFromFlags(ctx *cli.Context) (*derivation.Deriver, error) {
	currency, err := derivation.LookupCurrency(ctx.GlobalString("currency"))
	if err != nil {
		return nil, err
	}

	return derivation.NewDeriver(currency, 0), nil
}

// modeFromFlags returns the mode of the --mode flag.
func modeFromFlags(ctx *cli.Context) (derivation.Mode, error) {
	return derivation.ParseMode(ctx.GlobalString("mode"))
}

// openSession opens the account described by the global flags. When
// --accountfile points to an existing file the account is imported from it.
func openSession(ctx *cli.Context) (*session, error) {
	esploraCfg := walletcfg.DefaultEsploraConfig()
	esploraCfg.URL = ctx.GlobalString("esplora")
	if err := esploraCfg.Validate(); err != nil {
		return nil, err
	}

	s := &session{
		explorer: explorer.NewEsplora(esploraCfg, clock.NewDefaultClock()),
	}

	w, err := wallet.New(wallet.Config{
		Explorer: s.explorer,
		GapLimit: uint32(ctx.GlobalUint("gaplimit")),
	})
	if err != nil {
		s.explorer.Stop()
		return nil, err
	}
	s.wallet = w

	var serialized []byte
	if path := ctx.GlobalString("accountfile"); path != "" {
		serialized, err = os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.explorer.Stop()
			return nil, err
		}
	}

	var store storage.Store
	if dbDir := ctx.GlobalString("dbdir"); dbDir != "" {
		s.store, err = storage.OpenBoltStore(
			dbDir, walletcfg.DefaultDBFileName,
			ctx.GlobalString("currency")+"/"+
				ctx.GlobalString("xpub"),
			walletcfg.DefaultDB().Timeout,
		)
		if err != nil {
			s.explorer.Stop()
			return nil, err
		}
		store = s.store
	}

	if serialized != nil {
		s.account, err = w.ImportAccount(serialized, store)
	} else {
		var mode derivation.Mode
		mode, err = modeFromFlags(ctx)
		if err == nil {
			s.account, err = w.GenerateAccount(
				wallet.AccountParams{
					Currency:       ctx.GlobalString("currency"),
					DerivationMode: mode,
					Index:          uint32(ctx.GlobalUint("accountindex")),
				}, ctx.GlobalString("xpub"), store,
			)
		}
	}
	if err != nil {
		s.explorer.Stop()
		if s.store != nil {
			_ = s.store.Close()
		}
		return nil, err
	}

	return s, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "xpubcli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "watch-only wallet over an extended public key"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "currency, c",
			Value: "bitcoin",
			Usage: "The currency of the account, one of " +
				fmt.Sprint(derivation.Currencies()) + ".",
		},
		cli.StringFlag{
			Name:  "mode, m",
			Value: "native_segwit",
			Usage: "The derivation mode: legacy, segwit, " +
				"native_segwit or taproot.",
		},
		cli.StringFlag{
			Name:  "xpub, x",
			Usage: "The account extended public key.",
		},
		cli.UintFlag{
			Name:  "accountindex",
			Usage: "The BIP44 account index of the xpub.",
		},
		cli.StringFlag{
			Name:  "esplora",
			Value: "https://blockstream.info/api",
			Usage: "The base URL of the Esplora API.",
		},
		cli.UintFlag{
			Name:  "gaplimit",
			Value: walletcfg.DefaultGapLimit,
			Usage: "The number of unused addresses probed before " +
				"stopping discovery.",
		},
		cli.StringFlag{
			Name: "dbdir",
			Usage: "If set, persist the account history in a bolt " +
				"database in this directory, e.g. " +
				defaultWalletDir + ".",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "accountfile",
			Usage:     "Import the account from this file if it exists.",
			TakesFile: true,
		},
	}
	app.Commands = []cli.Command{
		deriveCommand,
		validateAddressCommand,
		syncCommand,
		newAddressCommand,
		balanceCommand,
		listUnspentCommand,
		maxSpendableCommand,
		buildTxCommand,
		broadcastCommand,
		exportCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
