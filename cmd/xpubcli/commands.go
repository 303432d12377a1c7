package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/xpubwallet/coinselect"
	"github.com/lightningnetwork/xpubwallet/storage"
	"github.com/lightningnetwork/xpubwallet/txbuilder"
	"github.com/urfave/cli"
)

// parseOutPoint parses an outpoint in the hash:index form.
func parseOutPoint(s string) (storage.OutPoint, error) {
	hash, index, ok := strings.Cut(s, ":")
	if !ok || len(hash) != 64 {
		return storage.OutPoint{}, fmt.Errorf("invalid outpoint %q, "+
			"expected hash:index", s)
	}

	i, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return storage.OutPoint{}, fmt.Errorf("invalid outpoint "+
			"index %q: %w", index, err)
	}

	return storage.OutPoint{Hash: hash, Index: uint32(i)}, nil
}

func parseOutPoints(ss []string) ([]storage.OutPoint, error) {
	outpoints := make([]storage.OutPoint, 0, len(ss))
	for _, s := range ss {
		outpoint, err := parseOutPoint(s)
		if err != nil {
			return nil, err
		}
		outpoints = append(outpoints, outpoint)
	}

	return outpoints, nil
}

var deriveCommand = cli.Command{
	Name:      "derive",
	Category:  "Addresses",
	Usage:     "Derive addresses of the xpub without network access.",
	ArgsUsage: "[--branch=N] [--from=N] [--count=N]",
	Flags: []cli.Flag{
		cli.UintFlag{
			Name: "branch",
			Usage: "The derivation branch, 0 for receive and 1 " +
				"for change.",
		},
		cli.UintFlag{
			Name:  "from",
			Usage: "The first address index.",
		},
		cli.UintFlag{
			Name:  "count",
			Value: 10,
			Usage: "The number of addresses to derive.",
		},
	},
	Action: derive,
}

func derive(ctx *cli.Context) error {
	deriver, err := deriverFromFlags(ctx)
	if err != nil {
		return err
	}
	mode, err := modeFromFlags(ctx)
	if err != nil {
		return err
	}

	xpubStr := ctx.GlobalString("xpub")
	if xpubStr == "" {
		return fmt.Errorf("--xpub must be set")
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Path", "Address"})

	branch := uint32(ctx.Uint("branch"))
	from := uint32(ctx.Uint("from"))
	for i := uint32(0); i < uint32(ctx.Uint("count")); i++ {
		address, err := deriver.GetAddress(
			mode, xpubStr, branch, from+i,
		)
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{
			fmt.Sprintf("%d/%d", branch, from+i), address,
		})
	}
	t.Render()

	return nil
}

var validateAddressCommand = cli.Command{
	Name:      "validateaddress",
	Category:  "Addresses",
	Usage:     "Check an address and report its derivation mode.",
	ArgsUsage: "address",
	Action:    validateAddress,
}

func validateAddress(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "validateaddress")
	}

	deriver, err := deriverFromFlags(ctx)
	if err != nil {
		return err
	}

	address := ctx.Args().First()
	resp := struct {
		Address string `json:"address"`
		Valid   bool   `json:"valid"`
		Mode    string `json:"mode,omitempty"`
	}{
		Address: address,
		Valid:   deriver.ValidateAddress(address),
	}
	if resp.Valid {
		mode, err := deriver.GetDerivationMode(address)
		if err != nil {
			return err
		}
		resp.Mode = mode.String()
	}

	printJSON(resp)

	return nil
}

var syncCommand = cli.Command{
	Name:     "sync",
	Category: "Account",
	Usage:    "Discover the account history.",
	Action:   syncAccount,
}

func syncAccount(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	branches, err := s.wallet.SyncAccount(context.Background(), s.account)
	if err != nil {
		return err
	}

	addresses, err := s.account.Xpub.GetXpubAddresses()
	if err != nil {
		return err
	}

	printJSON(struct {
		Branches  uint32 `json:"active_branches"`
		Addresses int    `json:"used_addresses"`
	}{branches, len(addresses)})

	return saveAccount(ctx, s)
}

var newAddressCommand = cli.Command{
	Name:     "newaddress",
	Category: "Addresses",
	Usage:    "Sync the account and return its next unused address.",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "change",
			Usage: "Return a change address instead of a receive one.",
		},
	},
	Action: newAddress,
}

func newAddress(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	ctxc := context.Background()
	if _, err := s.wallet.SyncAccount(ctxc, s.account); err != nil {
		return err
	}

	var address storage.Address
	if ctx.Bool("change") {
		address, err = s.wallet.GetAccountNewChangeAddress(
			ctxc, s.account,
		)
	} else {
		address, err = s.wallet.GetAccountNewReceiveAddress(
			ctxc, s.account,
		)
	}
	if err != nil {
		return err
	}

	printJSON(address)

	return saveAccount(ctx, s)
}

var balanceCommand = cli.Command{
	Name:     "balance",
	Category: "Account",
	Usage:    "Sync the account and show its balance per address.",
	Action:   balance,
}

func balance(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	ctxc := context.Background()
	if _, err := s.wallet.SyncAccount(ctxc, s.account); err != nil {
		return err
	}

	addresses, err := s.account.Xpub.GetXpubAddresses()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Path", "Address", "Balance"})
	for _, address := range addresses {
		amt, err := s.account.Xpub.GetAddressBalance(ctxc, address)
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{
			fmt.Sprintf("%d/%d", address.Account, address.Index),
			address.Address, amt,
		})
	}

	total, err := s.wallet.GetAccountBalance(ctxc, s.account)
	if err != nil {
		return err
	}
	t.AppendFooter(table.Row{"", "Total", total})
	t.Render()

	return saveAccount(ctx, s)
}

var listUnspentCommand = cli.Command{
	Name:     "listunspent",
	Category: "Account",
	Usage:    "Sync the account and list its unspent outputs.",
	Action:   listUnspent,
}

func listUnspent(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	ctxc := context.Background()
	if _, err := s.wallet.SyncAccount(ctxc, s.account); err != nil {
		return err
	}

	utxos, err := s.wallet.GetAccountUnspentUtxos(ctxc, s.account)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{
		"Outpoint", "Address", "Value", "Height", "RBF",
	})
	for _, utxo := range utxos {
		height := strconv.FormatInt(utxo.BlockHeight, 10)
		if utxo.BlockHeight == 0 {
			height = "pending"
		}
		t.AppendRow(table.Row{
			utxo.OutPoint(), utxo.Address, utxo.Value, height,
			utxo.RBF,
		})
	}
	t.Render()

	return saveAccount(ctx, s)
}

var feeFlags = []cli.Flag{
	cli.Int64Flag{
		Name: "sat_per_vbyte",
		Usage: "The fee rate in satoshis per virtual byte, estimated " +
			"from --conf_target when unset.",
	},
	cli.UintFlag{
		Name:  "conf_target",
		Value: 6,
		Usage: "The confirmation target of the estimated fee rate.",
	},
	cli.StringSliceFlag{
		Name:  "exclude",
		Usage: "An outpoint, hash:index, never spent. May be repeated.",
	},
}

// feeRate returns the fee rate of the fee flags.
func feeRate(ctx *cli.Context, s *session) (btcutil.Amount, error) {
	if rate := ctx.Int64("sat_per_vbyte"); rate > 0 {
		return btcutil.Amount(rate), nil
	}

	return s.account.Xpub.EstimateFeePerByte(
		context.Background(), uint32(ctx.Uint("conf_target")),
	)
}

var maxSpendableCommand = cli.Command{
	Name:     "maxspendable",
	Category: "Spending",
	Usage:    "Estimate the value a sweep of the account would send.",
	Flags:    feeFlags,
	Action:   maxSpendable,
}

func maxSpendable(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	excluded, err := parseOutPoints(ctx.StringSlice("exclude"))
	if err != nil {
		return err
	}

	ctxc := context.Background()
	if _, err := s.wallet.SyncAccount(ctxc, s.account); err != nil {
		return err
	}

	rate, err := feeRate(ctx, s)
	if err != nil {
		return err
	}

	spendable, err := s.wallet.EstimateAccountMaxSpendable(
		ctxc, s.account, rate, excluded,
	)
	if err != nil {
		return err
	}

	printJSON(struct {
		FeePerByte btcutil.Amount `json:"sat_per_vbyte"`
		Spendable  btcutil.Amount `json:"max_spendable_sat"`
	}{rate, spendable})

	return saveAccount(ctx, s)
}

var buildTxCommand = cli.Command{
	Name:      "buildtx",
	Category:  "Spending",
	Usage:     "Build an unsigned transaction paying an address.",
	ArgsUsage: "address amount",
	Description: `
	Select outputs of the account paying amount satoshis to address and
	print the transaction info together with an unsigned PSBT in base64,
	ready for an external signer.`,
	Flags: append([]cli.Flag{
		cli.StringFlag{
			Name:  "strategy",
			Value: coinselect.CoinSelectName,
			Usage: "The coin selection strategy: merge, deepfirst " +
				"or coinselect.",
		},
		cli.Int64Flag{
			Name:  "sequence",
			Value: -1,
			Usage: "The sequence of every input, the final " +
				"sequence when negative.",
		},
	}, feeFlags...),
	Action: buildTx,
}

func buildTx(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "buildtx")
	}

	amount, err := strconv.ParseInt(ctx.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}

	excluded, err := parseOutPoints(ctx.StringSlice("exclude"))
	if err != nil {
		return err
	}
	strategy, err := coinselect.StrategyByName(
		ctx.String("strategy"), excluded...,
	)
	if err != nil {
		return err
	}

	sequence := fn.None[uint32]()
	if seq := ctx.Int64("sequence"); seq >= 0 {
		sequence = fn.Some(uint32(seq))
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	ctxc := context.Background()
	if _, err := s.wallet.SyncAccount(ctxc, s.account); err != nil {
		return err
	}

	rate, err := feeRate(ctx, s)
	if err != nil {
		return err
	}

	change, err := s.wallet.GetAccountNewChangeAddress(ctxc, s.account)
	if err != nil {
		return err
	}

	txInfo, err := s.wallet.BuildAccountTx(ctxc, s.account, txbuilder.Params{
		DestAddress:   ctx.Args().First(),
		Amount:        btcutil.Amount(amount),
		FeePerByte:    rate,
		ChangeAddress: change,
		Strategy:      strategy,
		Sequence:      sequence,
	})
	if err != nil {
		return err
	}

	packet, err := txInfo.ToPsbt()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return err
	}

	printJSON(struct {
		*txbuilder.TransactionInfo
		Psbt string `json:"psbt"`
	}{txInfo, base64.StdEncoding.EncodeToString(buf.Bytes())})

	return saveAccount(ctx, s)
}

var broadcastCommand = cli.Command{
	Name:      "broadcast",
	Category:  "Spending",
	Usage:     "Relay a signed raw transaction.",
	ArgsUsage: "rawtx",
	Action:    broadcast,
}

func broadcast(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "broadcast")
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	hash, err := s.wallet.BroadcastTx(
		context.Background(), s.account, ctx.Args().First(),
	)
	if err != nil {
		return err
	}

	printJSON(struct {
		TxID string `json:"txid"`
	}{hash})

	return nil
}

var exportCommand = cli.Command{
	Name:     "export",
	Category: "Account",
	Usage:    "Sync the account and write it to --accountfile.",
	Action:   export,
}

func export(ctx *cli.Context) error {
	if ctx.GlobalString("accountfile") == "" {
		return fmt.Errorf("--accountfile must be set")
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	_, err = s.wallet.SyncAccount(context.Background(), s.account)
	if err != nil {
		return err
	}

	return saveAccount(ctx, s)
}

// saveAccount writes the account to --accountfile when set.
func saveAccount(ctx *cli.Context, s *session) error {
	path := ctx.GlobalString("accountfile")
	if path == "" {
		return nil
	}

	serialized, err := s.wallet.ExportAccount(s.account)
	if err != nil {
		return err
	}

	return os.WriteFile(path, serialized, 0600)
}
