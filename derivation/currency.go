package derivation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// DustPolicy selects how the dust threshold of a currency scales with the
// size of a transaction.
type DustPolicy uint8

const (
	// DustPolicyFixed uses the threshold as is.
	DustPolicyFixed DustPolicy = iota

	// DustPolicyPerKByte charges the threshold once per started kilobyte
	// of transaction size.
	DustPolicyPerKByte
)

// String returns the policy name.
func (p DustPolicy) String() string {
	switch p {
	case DustPolicyFixed:
		return "FIXED"
	case DustPolicyPerKByte:
		return "PER_KBYTE"
	default:
		return "unknown"
	}
}

// OutputValueMax is the largest value a single output may carry. Larger
// amounts are split into several outputs to the same script.
const OutputValueMax = btcutil.Amount(1<<53 - 1)

// Currency is the capability set of a bitcoin-family coin. Everything that
// differs between coins (network magic bytes, dust rules, supported script
// types) is reached through it.
type Currency interface {
	// Name is the registry identifier of the currency.
	Name() string

	// Params are the network parameters used to encode addresses and
	// extended keys.
	Params() *chaincfg.Params

	// DustThreshold is the base amount below which change is abandoned.
	DustThreshold() btcutil.Amount

	// DustPolicy tells how DustThreshold is applied.
	DustPolicy() DustPolicy

	// OutputValueMax is the maximum value of a single output.
	OutputValueMax() btcutil.Amount

	// SupportsMode reports whether addresses of the given mode exist on
	// this currency.
	SupportsMode(mode Mode) bool
}

// family is the Currency implementation shared by all registered coins.
type family struct {
	name       string
	params     *chaincfg.Params
	dust       btcutil.Amount
	dustPolicy DustPolicy
	valueMax   btcutil.Amount
	modes      []Mode
}

// Name returns the registry identifier.
func (f *family) Name() string { return f.name }

// Params returns the network parameters.
func (f *family) Params() *chaincfg.Params { return f.params }

// DustThreshold returns the base dust amount.
func (f *family) DustThreshold() btcutil.Amount { return f.dust }

// DustPolicy returns how the threshold scales.
func (f *family) DustPolicy() DustPolicy { return f.dustPolicy }

// OutputValueMax returns the per output value cap.
func (f *family) OutputValueMax() btcutil.Amount { return f.valueMax }

// SupportsMode reports whether mode is usable on the currency.
func (f *family) SupportsMode(mode Mode) bool {
	for _, m := range f.modes {
		if m == mode {
			return true
		}
	}

	return false
}

// CurrencyConfig describes a currency to register at runtime.
type CurrencyConfig struct {
	Name           string
	Params         *chaincfg.Params
	DustThreshold  btcutil.Amount
	DustPolicy     DustPolicy
	OutputValueMax btcutil.Amount
	Modes          []Mode
}

// NewCurrency builds a Currency from cfg. A zero OutputValueMax defaults to
// OutputValueMax and an empty mode list to every mode.
func NewCurrency(cfg CurrencyConfig) Currency {
	valueMax := cfg.OutputValueMax
	if valueMax == 0 {
		valueMax = OutputValueMax
	}
	modes := cfg.Modes
	if len(modes) == 0 {
		modes = AllModes
	}

	return &family{
		name:       cfg.Name,
		params:     cfg.Params,
		dust:       cfg.DustThreshold,
		dustPolicy: cfg.DustPolicy,
		valueMax:   valueMax,
		modes:      modes,
	}
}

var (
	registryMtx sync.RWMutex
	registry    = make(map[string]Currency)
)

// RegisterCurrency adds c to the registry, replacing any currency with the
// same name.
func RegisterCurrency(c Currency) {
	registryMtx.Lock()
	defer registryMtx.Unlock()

	registry[c.Name()] = c
}

// LookupCurrency returns the registered currency called name.
func LookupCurrency(name string) (Currency, error) {
	registryMtx.RLock()
	defer registryMtx.RUnlock()

	c, ok := registry[name]
	if !ok {
		return nil, &DerivationError{
			Op:  "lookup currency",
			Err: fmt.Errorf("%w: %s", ErrUnknownCurrency, name),
		}
	}

	return c, nil
}

// Currencies returns the sorted names of all registered currencies.
func Currencies() []string {
	registryMtx.RLock()
	defer registryMtx.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func init() {
	RegisterCurrency(NewCurrency(CurrencyConfig{
		Name:          "bitcoin",
		Params:        &chaincfg.MainNetParams,
		DustThreshold: 3000,
		DustPolicy:    DustPolicyPerKByte,
	}))
	RegisterCurrency(NewCurrency(CurrencyConfig{
		Name:          "bitcoin_testnet",
		Params:        &chaincfg.TestNet3Params,
		DustThreshold: 3000,
		DustPolicy:    DustPolicyPerKByte,
	}))
	RegisterCurrency(NewCurrency(CurrencyConfig{
		Name:          "bitcoin_regtest",
		Params:        &chaincfg.RegressionNetParams,
		DustThreshold: 3000,
		DustPolicy:    DustPolicyPerKByte,
	}))
	RegisterCurrency(NewCurrency(CurrencyConfig{
		Name:          "litecoin",
		Params:        litecoinMainNetParams(),
		DustThreshold: 3000,
		DustPolicy:    DustPolicyPerKByte,
		Modes: []Mode{
			ModeLegacy, ModeSegwit, ModeNativeSegwit,
		},
	}))
	RegisterCurrency(NewCurrency(CurrencyConfig{
		Name:          "dogecoin",
		Params:        &dogecoinMainNetParams,
		DustThreshold: 1000000,
		DustPolicy:    DustPolicyFixed,
		Modes:         []Mode{ModeLegacy},
	}))
}
