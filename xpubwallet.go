package xpubwallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/xpubwallet/build"
	"github.com/lightningnetwork/xpubwallet/explorer"
	"github.com/lightningnetwork/xpubwallet/monitoring"
	"github.com/lightningnetwork/xpubwallet/signal"
	"github.com/lightningnetwork/xpubwallet/storage"
	"github.com/lightningnetwork/xpubwallet/wallet"
	"github.com/lightningnetwork/xpubwallet/walletcfg"
	"github.com/lightningnetwork/xpubwallet/xpub"
)

// Main is the true entry point for xpubwalletd. It watches the configured
// account, syncing it every sync interval, until a shutdown is requested.
// This function is required since defers created in the top-level scope of a
// main method aren't executed if os.Exit() is called.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	defer func() {
		xpwlLog.Info("Shutdown complete")
		if err := cfg.LogWriter.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "could not close log rotator: %v\n",
				err)
		}
	}()

	// Show version at startup.
	xpwlLog.Infof("Version: %s commit=%s, build=%s, logging=%s, "+
		"debuglevel=%s", build.Version(), build.Commit,
		build.Deployment, build.LoggingType, cfg.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Abort running explorer requests as soon as a shutdown is requested.
	go func() {
		select {
		case <-interceptor.ShutdownChannel():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := monitoring.ExportPrometheusMetrics(cfg.Prometheus); err != nil {
		return fmt.Errorf("unable to start prometheus exporter: %w",
			err)
	}

	esplora := explorer.NewEsplora(cfg.Esplora, clock.NewDefaultClock())
	defer esplora.Stop()

	if cfg.HealthCheck.Enabled() {
		monitor := newExplorerMonitor(
			cfg.HealthCheck, esplora, interceptor,
		)
		if err := monitor.Start(); err != nil {
			return fmt.Errorf("unable to start health monitor: %w",
				err)
		}
		defer func() {
			if err := monitor.Stop(); err != nil {
				xpwlLog.Errorf("Unable to stop health monitor: "+
					"%v", err)
			}
		}()
	}

	w, err := wallet.New(wallet.Config{
		Explorer:       esplora,
		GapLimit:       cfg.Sync.GapLimit,
		TxBatchSize:    cfg.Sync.TxBatchSize,
		MaxConcurrency: cfg.Sync.MaxConcurrency,
	})
	if err != nil {
		return err
	}

	serialized, err := readAccountFile(cfg.AccountFile)
	if err != nil {
		return err
	}

	xpubStr := cfg.Xpub
	if serialized != nil {
		if xpubStr != "" && xpubStr != serialized.Xpub {
			return fmt.Errorf("account file %v holds another xpub",
				cfg.AccountFile)
		}
		xpubStr = serialized.Xpub
	}

	store, closeStore, err := openStore(cfg, xpubStr)
	if err != nil {
		return err
	}
	defer closeStore()

	account, err := loadAccount(cfg, w, store, xpubStr, serialized)
	if err != nil {
		return err
	}
	defer account.Close()

	events, err := account.Xpub.Subscribe()
	if err != nil {
		return err
	}
	defer events.Cancel()
	go logSyncEvents(events)

	syncTicker := ticker.New(cfg.Sync.Interval)
	syncTicker.Resume()
	defer syncTicker.Stop()

	syncAccount(ctx, cfg, w, account)
	for {
		select {
		case <-syncTicker.Ticks():
			syncAccount(ctx, cfg, w, account)

		case <-interceptor.ShutdownChannel():
			return exportAccount(cfg.AccountFile, w, account)
		}
	}
}

// newExplorerMonitor returns a monitor requesting a shutdown once the
// explorer failed cfg.Attempts reachability checks in a row.
func newExplorerMonitor(cfg *walletcfg.HealthCheck, e explorer.Explorer,
	interceptor signal.Interceptor) *healthcheck.Monitor {

	check := func() error {
		ctx, cancel := context.WithTimeout(
			context.Background(), cfg.Timeout,
		)
		defer cancel()

		_, err := e.GetCurrentBlock(ctx)
		return err
	}

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{
			{
				Name:     "explorer",
				Check:    healthcheck.CreateCheck(check),
				Interval: ticker.New(cfg.Interval),
				Attempts: cfg.Attempts,
				Timeout:  cfg.Timeout,
				Backoff:  cfg.Backoff,
			},
		},
		Shutdown: func(format string, params ...interface{}) {
			xpwlLog.Criticalf("Health check: "+format, params...)
			interceptor.RequestShutdown()
		},
	})
}

// readAccountFile returns the account stored in path, nil if there is no
// such file.
func readAccountFile(path string) (*wallet.SerializedAccount, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var serialized wallet.SerializedAccount
	if err := json.Unmarshal(data, &serialized); err != nil {
		return nil, fmt.Errorf("unable to decode account file %v: %w",
			path, err)
	}

	return &serialized, nil
}

// openStore opens the store of the account of xpubStr.
func openStore(cfg *Config, xpubStr string) (storage.Store, func(), error) {
	if cfg.DB.Backend == walletcfg.MemoryBackend {
		return storage.NewMemoryStore(), func() {}, nil
	}

	namespace := fmt.Sprintf("%s/%s", cfg.Currency, xpubStr)
	store, err := storage.OpenBoltStore(
		cfg.DataDir, cfg.DB.FileName, namespace, cfg.DB.Timeout,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open database: %w", err)
	}

	return store, func() {
		if err := store.Close(); err != nil {
			xpwlLog.Errorf("Unable to close database: %v", err)
		}
	}, nil
}

// loadAccount restores the account from its serialized form or creates it
// from the configured xpub.
func loadAccount(cfg *Config, w *wallet.Wallet, store storage.Store,
	xpubStr string, serialized *wallet.SerializedAccount) (*wallet.Account,
	error) {

	if serialized != nil {
		data, err := json.Marshal(serialized)
		if err != nil {
			return nil, err
		}

		xpwlLog.Infof("Importing account from %v", cfg.AccountFile)

		return w.ImportAccount(data, store)
	}

	return w.GenerateAccount(wallet.AccountParams{
		Currency:       cfg.Currency,
		DerivationMode: cfg.Mode(),
		Index:          cfg.AccountIndex,
	}, xpubStr, store)
}

// syncAccount runs one sync pass and reports the account state.
func syncAccount(ctx context.Context, cfg *Config, w *wallet.Wallet,
	account *wallet.Account) {

	branches, err := w.SyncAccount(ctx, account)
	if err != nil {
		xpwlLog.Errorf("Sync failed: %v", err)
		return
	}

	balance, err := w.GetAccountBalance(ctx, account)
	if err != nil {
		xpwlLog.Errorf("Unable to compute balance: %v", err)
		return
	}

	receive, err := w.GetAccountNewReceiveAddress(ctx, account)
	if err != nil {
		xpwlLog.Errorf("Unable to derive receive address: %v", err)
		return
	}

	xpwlLog.Infof("Account %v synced: %d active branches, balance %v, "+
		"next receive address %v", account.Params.Path, branches,
		balance, receive.Address)

	feeRate, err := account.Xpub.EstimateFeePerByte(ctx, cfg.FeeConfTarget)
	if err != nil {
		xpwlLog.Warnf("Unable to estimate fee rate: %v", err)
		return
	}

	maxSpendable, err := w.EstimateAccountMaxSpendable(
		ctx, account, feeRate, nil,
	)
	if err != nil {
		xpwlLog.Warnf("Unable to estimate max spendable: %v", err)
		return
	}

	xpwlLog.Infof("Fee rate for %d blocks: %v sat/vB, max spendable %v",
		cfg.FeeConfTarget, int64(feeRate), maxSpendable)
}

// logSyncEvents logs the state transitions of the account syncs.
func logSyncEvents(client *xpub.EventClient) {
	for {
		select {
		case event := <-client.Updates():
			if event.Err != nil {
				xpwlLog.Debugf("%v: %v (%v)", event.Scope,
					event.State, event.Err)
				continue
			}
			xpwlLog.Tracef("%v: %v", event.Scope, event.State)

		case <-client.Quit():
			return
		}
	}
}

// exportAccount writes the serialized account to path, if set.
func exportAccount(path string, w *wallet.Wallet,
	account *wallet.Account) error {

	if path == "" {
		return nil
	}

	data, err := w.ExportAccount(account)
	if err != nil {
		return fmt.Errorf("unable to export account: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("unable to write account file: %w", err)
	}

	xpwlLog.Infof("Account exported to %v", path)

	return nil
}
