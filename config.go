// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2022 The Lightning Network Developers

package xpubwallet

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/xpubwallet/build"
	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/walletcfg"
)

const (
	defaultConfigFilename  = "xpubwallet.conf"
	defaultDataDirname     = "data"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultLogFilename     = "xpubwallet.log"
	defaultAccountFilename = "account.json"
	defaultMaxLogFiles     = 3
	defaultMaxLogFileSize  = 10
	defaultCurrency        = "bitcoin"
	defaultDerivationMode  = "native_segwit"
	defaultFeeConfTarget   = 6
)

var (
	// DefaultWalletDir is the default directory where xpubwallet tries to
	// find its configuration file and store its data.
	DefaultWalletDir = btcutil.AppDataDir("xpubwallet", false)

	// DefaultConfigFile is the default full path of the configuration
	// file.
	DefaultConfigFile = filepath.Join(DefaultWalletDir, defaultConfigFilename)

	defaultDataDir = filepath.Join(DefaultWalletDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultWalletDir, defaultLogDirname)
)

// Config defines the configuration options for xpubwalletd.
//
// See LoadConfig for further details regarding the configuration loading+
// parsing process.
//
//nolint:ll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	WalletDir  string `long:"walletdir" description:"The base directory that contains the wallet's data, logs, configuration file, etc."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store the wallet's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Currency       string `long:"currency" description:"The currency of the watched account, e.g. bitcoin, bitcoin_testnet, litecoin, dogecoin."`
	DerivationMode string `long:"derivationmode" description:"The script type of the account addresses." choice:"legacy" choice:"segwit" choice:"native_segwit" choice:"taproot"`
	Xpub           string `long:"xpub" description:"The extended public key of the watched account."`
	AccountIndex   uint32 `long:"accountindex" description:"The BIP44 account index of the xpub, used for derivation paths."`
	AccountFile    string `long:"accountfile" description:"File the account is imported from on start and exported to on shutdown."`
	FeeConfTarget  uint32 `long:"feeconftarget" description:"The confirmation target used to report the current fee rate."`

	Esplora *walletcfg.Esplora `group:"esplora" namespace:"esplora"`

	DB *walletcfg.DB `group:"db" namespace:"db"`

	Sync *walletcfg.Sync `group:"sync" namespace:"sync"`

	Prometheus walletcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthCheck *walletcfg.HealthCheck `group:"healthcheck" namespace:"healthcheck"`

	// mode is the parsed DerivationMode.
	mode derivation.Mode

	// LogWriter is the root logger that all of the daemon's subloggers
	// are hooked up to.
	LogWriter *build.RotatingLogWriter
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		WalletDir:      DefaultWalletDir,
		ConfigFile:     DefaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,
		Currency:       defaultCurrency,
		DerivationMode: defaultDerivationMode,
		FeeConfTarget:  defaultFeeConfTarget,
		Esplora:        walletcfg.DefaultEsploraConfig(),
		DB:             walletcfg.DefaultDB(),
		Sync:           walletcfg.DefaultSync(),
		Prometheus:     walletcfg.DefaultPrometheus(),
		HealthCheck:    walletcfg.DefaultHealthCheck(),
		LogWriter:      build.NewRotatingLogWriter(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// If the config file path has not been modified by the user, then
	// we'll use the default config file path. However, if the user has
	// modified their wallet dir, then we should assume they intend to use
	// the config file within it.
	configFileDir := CleanAndExpandPath(preCfg.WalletDir)
	configFilePath := CleanAndExpandPath(preCfg.ConfigFile)
	if configFileDir != DefaultWalletDir {
		if configFilePath == DefaultConfigFile {
			configFilePath = filepath.Join(
				configFileDir, defaultConfigFilename,
			)
		}
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options. Note this should go directly before the return.
	if configFileError != nil {
		xpwlLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized. The cleaned up config is returned on success.
func ValidateConfig(cfg Config, usageMessage string) (*Config, error) {
	// If the provided wallet directory is not the default, we'll modify
	// the path to all of the files and directories that will live within
	// it.
	walletDir := CleanAndExpandPath(cfg.WalletDir)
	if walletDir != DefaultWalletDir {
		cfg.DataDir = filepath.Join(walletDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(walletDir, defaultLogDirname)
	}

	cfg.DataDir = CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.AccountFile = CleanAndExpandPath(cfg.AccountFile)

	// Create the wallet directory and data directory if they don't
	// already exist.
	funcName := "ValidateConfig"
	mkErr := func(format string, args ...interface{}) error {
		return fmt.Errorf(funcName+": "+format, args...)
	}
	for _, dir := range []string{walletDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, mkErr("unable to create directory %v: %v",
				dir, err)
		}
	}

	currency, err := derivation.LookupCurrency(cfg.Currency)
	if err != nil {
		return nil, mkErr("%v, supported currencies are %v", err,
			derivation.Currencies())
	}

	cfg.mode, err = derivation.ParseMode(cfg.DerivationMode)
	if err != nil {
		return nil, mkErr("%v", err)
	}
	if !currency.SupportsMode(cfg.mode) {
		return nil, mkErr("%v does not support %v addresses",
			cfg.Currency, cfg.mode)
	}

	// The account can come from the account file alone, otherwise the
	// xpub is mandatory.
	if cfg.Xpub == "" && cfg.AccountFile == "" {
		return nil, mkErr("either xpub or accountfile must be set")
	}
	if cfg.Xpub != "" {
		if _, err := derivation.ParseXpub(cfg.Xpub); err != nil {
			return nil, mkErr("%v", err)
		}
	}

	if err := cfg.Esplora.Validate(); err != nil {
		return nil, mkErr("%v", err)
	}
	if err := cfg.DB.Validate(); err != nil {
		return nil, mkErr("%v", err)
	}
	if err := cfg.Sync.Validate(); err != nil {
		return nil, mkErr("%v", err)
	}
	if err := cfg.HealthCheck.Validate(); err != nil {
		return nil, mkErr("%v", err)
	}

	// Initialize logging at the default logging level.
	SetupLoggers(cfg.LogWriter)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			cfg.LogWriter.SupportedSubsystems())
		os.Exit(0)
	}

	err = cfg.LogWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		str := "log rotation setup failed: %v"
		return nil, mkErr(str, err)
	}

	// Parse, validate, and set debug log level(s).
	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, cfg.LogWriter)
	if err != nil {
		str := "error parsing debug level: %v"
		fmt.Fprintln(os.Stderr, usageMessage)

		return nil, mkErr(str, err)
	}

	return &cfg, nil
}

// Mode returns the parsed derivation mode.
func (c *Config) Mode() derivation.Mode {
	return c.mode
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
