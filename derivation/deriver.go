package derivation

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

const (
	// DefaultAddressCacheSize is the number of derived addresses kept in
	// memory. A full discovery sweep of a few accounts of a busy wallet
	// stays well below it.
	DefaultAddressCacheSize = 10000

	// accountKeyCacheSize is the number of account level extended keys
	// kept in memory.
	accountKeyCacheSize = 64
)

// addressKey identifies a derived address. Derivation is pure so an entry
// never goes stale.
type addressKey struct {
	mode    Mode
	xpub    string
	account uint32
	index   uint32
}

// cachedAddress is an encoded address stored in the address cache.
type cachedAddress struct {
	address string
}

// Size returns the "size" of an entry. We return 1 as we just want to limit
// the total number of entries rather than do accurate size accounting.
func (c *cachedAddress) Size() (uint64, error) {
	return 1, nil
}

// accountKey identifies the extended key of one account branch of an xpub.
type accountKey struct {
	xpub    string
	account uint32
}

// cachedExtendedKey is an account branch key stored in the key cache.
type cachedExtendedKey struct {
	key *hdkeychain.ExtendedKey
}

// Size returns the "size" of an entry.
func (c *cachedExtendedKey) Size() (uint64, error) {
	return 1, nil
}

// Deriver derives and classifies the addresses of a single currency. It is
// safe for concurrent use.
type Deriver struct {
	currency Currency

	addresses   *lru.Cache[addressKey, *cachedAddress]
	accountKeys *lru.Cache[accountKey, *cachedExtendedKey]
}

// NewDeriver returns a Deriver for currency memoizing up to cacheSize
// addresses.
func NewDeriver(currency Currency, cacheSize uint64) *Deriver {
	if cacheSize == 0 {
		cacheSize = DefaultAddressCacheSize
	}

	return &Deriver{
		currency: currency,
		addresses: lru.NewCache[addressKey, *cachedAddress](
			cacheSize,
		),
		accountKeys: lru.NewCache[accountKey, *cachedExtendedKey](
			accountKeyCacheSize,
		),
	}
}

// Currency returns the currency the deriver encodes addresses for.
func (d *Deriver) Currency() Currency {
	return d.currency
}

// GetAddress returns the address of mode at xpub/account/index. Both account
// and index are non-hardened children.
func (d *Deriver) GetAddress(mode Mode, xpub string, account,
	index uint32) (string, error) {

	if !d.currency.SupportsMode(mode) {
		return "", &DerivationError{
			Op: "get address",
			Err: fmt.Errorf("%w: %v on %s", ErrUnsupportedMode,
				mode, d.currency.Name()),
		}
	}

	key := addressKey{
		mode:    mode,
		xpub:    xpub,
		account: account,
		index:   index,
	}
	cached, err := d.addresses.Get(key)
	if err == nil {
		return cached.address, nil
	}
	if !errors.Is(err, cache.ErrElementNotFound) {
		return "", &DerivationError{Op: "get address", Err: err}
	}

	branch, err := d.accountKey(xpub, account)
	if err != nil {
		return "", err
	}

	child, err := branch.Derive(index)
	if err != nil {
		return "", &DerivationError{
			Op:  fmt.Sprintf("derive index %d", index),
			Err: err,
		}
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", &DerivationError{Op: "get address", Err: err}
	}

	addr, err := d.encode(mode, pubKey)
	if err != nil {
		return "", &DerivationError{Op: "encode address", Err: err}
	}

	address := addr.EncodeAddress()
	if _, err := d.addresses.Put(key, &cachedAddress{address}); err != nil {
		log.Warnf("Unable to cache address %v: %v", address, err)
	}

	return address, nil
}

// accountKey returns the extended key of the account branch of xpub, parsing
// and deriving it on a cache miss.
func (d *Deriver) accountKey(xpub string,
	account uint32) (*hdkeychain.ExtendedKey, error) {

	key := accountKey{xpub: xpub, account: account}
	if cached, err := d.accountKeys.Get(key); err == nil {
		return cached.key, nil
	}

	extKey, err := ParseXpub(xpub)
	if err != nil {
		return nil, err
	}

	branch, err := extKey.Derive(account)
	if err != nil {
		return nil, &DerivationError{
			Op:  fmt.Sprintf("derive account %d", account),
			Err: err,
		}
	}

	_, _ = d.accountKeys.Put(key, &cachedExtendedKey{branch})

	return branch, nil
}

// encode turns a public key into the address of the given mode.
func (d *Deriver) encode(mode Mode,
	pubKey *btcec.PublicKey) (btcutil.Address, error) {

	params := d.currency.Params()
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())

	switch mode {
	case ModeLegacy:
		return btcutil.NewAddressPubKeyHash(pubKeyHash, params)

	case ModeSegwit:
		witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(
			pubKeyHash, params,
		)
		if err != nil {
			return nil, err
		}
		redeemScript, err := txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return nil, err
		}

		return btcutil.NewAddressScriptHash(redeemScript, params)

	case ModeNativeSegwit:
		return btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)

	case ModeTaproot:
		outputKey := txscript.ComputeTaprootKeyNoScript(pubKey)

		return btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(outputKey), params,
		)

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}
}

// ParseXpub decodes a serialized extended public key. Private keys are
// rejected.
func ParseXpub(xpub string) (*hdkeychain.ExtendedKey, error) {
	extKey, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, &DerivationError{
			Op:  "parse xpub",
			Err: fmt.Errorf("%w: %v", ErrInvalidXpub, err),
		}
	}
	if extKey.IsPrivate() {
		return nil, &DerivationError{
			Op:  "parse xpub",
			Err: fmt.Errorf("%w: private key given", ErrInvalidXpub),
		}
	}

	return extKey, nil
}

// AccountPath returns the hardened BIP44 style path, without the leading
// "m/", of the account at accountIndex for mode on currency.
func AccountPath(mode Mode, currency Currency, accountIndex uint32) string {
	return fmt.Sprintf("%d'/%d'/%d'", mode.Purpose(),
		currency.Params().HDCoinType, accountIndex)
}
