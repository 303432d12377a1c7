package xpubwallet

import (
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/xpubwallet/build"
	"github.com/lightningnetwork/xpubwallet/coinselect"
	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/explorer"
	"github.com/lightningnetwork/xpubwallet/monitoring"
	"github.com/lightningnetwork/xpubwallet/signal"
	"github.com/lightningnetwork/xpubwallet/storage"
	"github.com/lightningnetwork/xpubwallet/txbuilder"
	"github.com/lightningnetwork/xpubwallet/wallet"
	"github.com/lightningnetwork/xpubwallet/xpub"
)

// replaceableLogger is a thin wrapper around a logger that is used so the
// logger can be replaced easily without some black pointer magic.
type replaceableLogger struct {
	btclog.Logger
	subsystem string
}

// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator() on the main log writer instance in the config.
var (
	// xpwlPkgLoggers is a list of all xpubwallet package level loggers
	// that are registered. They are tracked here so they can be replaced
	// once the SetupLoggers function is called with the final root logger.
	xpwlPkgLoggers []*replaceableLogger

	// addXpwlPkgLogger is a helper function that creates a new replaceable
	// main package level logger and adds it to the list of loggers that
	// are replaced again later, once the final root logger is ready.
	addXpwlPkgLogger = func(subsystem string) *replaceableLogger {
		l := &replaceableLogger{
			Logger:    build.NewSubLogger(subsystem, nil),
			subsystem: subsystem,
		}
		xpwlPkgLoggers = append(xpwlPkgLoggers, l)
		return l
	}

	// Loggers that need to be accessible from the xpubwallet package can
	// be placed here. Loggers that are only used in sub modules can be
	// added directly by using the addSubLogger method. We declare all
	// loggers so we never run into a nil reference if they are used early.
	// But the SetupLoggers function should always be called as soon as
	// possible to finish setting them up properly with a root logger.
	xpwlLog = addXpwlPkgLogger("XPWL")
)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.RotatingLogWriter) {
	// Now that we have the proper root logger, we can replace the
	// placeholder xpubwallet package loggers.
	for _, l := range xpwlPkgLoggers {
		l.Logger = build.NewSubLogger(l.subsystem, root.GenSubLogger)
		SetSubLogger(root, l.subsystem, l.Logger)
	}

	AddSubLogger(root, derivation.Subsystem, derivation.UseLogger)
	AddSubLogger(root, storage.Subsystem, storage.UseLogger)
	AddSubLogger(root, explorer.Subsystem, explorer.UseLogger)
	AddSubLogger(root, xpub.Subsystem, xpub.UseLogger)
	AddSubLogger(root, coinselect.Subsystem, coinselect.UseLogger)
	AddSubLogger(root, txbuilder.Subsystem, txbuilder.UseLogger)
	AddSubLogger(root, wallet.Subsystem, wallet.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.RotatingLogWriter, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.RotatingLogWriter, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
