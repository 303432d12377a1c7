package derivation

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/txscript"
)

// decodeAddress parses address for the deriver's network and reports the
// derivation mode that produces addresses of its type.
//
// Segwit addresses are tried first. A string carrying the network's bech32
// prefix is never handed to the base58 decoder, even when it fails bech32
// decoding, so it cannot be mistaken for a legacy or P2SH address.
func (d *Deriver) decodeAddress(address string) (Mode, btcutil.Address,
	error) {

	params := d.currency.Params()

	hrp := params.Bech32HRPSegwit
	if hrp != "" && strings.HasPrefix(strings.ToLower(address), hrp+"1") {
		return d.decodeSegwit(address)
	}

	decoded, netID, err := base58.CheckDecode(address)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(decoded) != 20 {
		return 0, nil, fmt.Errorf("%w: payload of %d bytes",
			ErrInvalidAddress, len(decoded))
	}

	switch netID {
	case params.PubKeyHashAddrID:
		addr, err := btcutil.NewAddressPubKeyHash(decoded, params)
		return ModeLegacy, addr, err

	case params.ScriptHashAddrID:
		addr, err := btcutil.NewAddressScriptHashFromHash(
			decoded, params,
		)
		return ModeSegwit, addr, err
	}

	return 0, nil, fmt.Errorf("%w: unknown version byte %#x",
		ErrInvalidAddress, netID)
}

// decodeSegwit parses a bech32 (witness v0) or bech32m (witness v1+)
// address.
func (d *Deriver) decodeSegwit(address string) (Mode, btcutil.Address,
	error) {

	params := d.currency.Params()

	hrp, data, encoding, err := bech32.DecodeGeneric(address)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if hrp != params.Bech32HRPSegwit || len(data) < 1 {
		return 0, nil, fmt.Errorf("%w: wrong network", ErrInvalidAddress)
	}

	witnessVersion := data[0]
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	switch {
	case witnessVersion == 0 && encoding == bech32.Version0 &&
		len(program) == 20:

		addr, err := btcutil.NewAddressWitnessPubKeyHash(
			program, params,
		)
		return ModeNativeSegwit, addr, err

	case witnessVersion == 0 && encoding == bech32.Version0 &&
		len(program) == 32:

		addr, err := btcutil.NewAddressWitnessScriptHash(
			program, params,
		)
		return ModeNativeSegwit, addr, err

	case witnessVersion == 1 && encoding == bech32.VersionM &&
		len(program) == 32:

		addr, err := btcutil.NewAddressTaproot(program, params)
		return ModeTaproot, addr, err
	}

	return 0, nil, fmt.Errorf("%w: unsupported witness program v%d of "+
		"%d bytes", ErrInvalidAddress, witnessVersion, len(program))
}

// GetDerivationMode classifies address by its syntax.
func (d *Deriver) GetDerivationMode(address string) (Mode, error) {
	mode, _, err := d.decodeAddress(address)
	if err != nil {
		return 0, &DerivationError{Op: "classify address", Err: err}
	}

	return mode, nil
}

// ToOutputScript returns the output script paying to address.
func (d *Deriver) ToOutputScript(address string) ([]byte, error) {
	_, addr, err := d.decodeAddress(address)
	if err != nil {
		return nil, &DerivationError{Op: "output script", Err: err}
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, &DerivationError{Op: "output script", Err: err}
	}

	return script, nil
}

// ValidateAddress reports whether address is a well formed address of the
// deriver's network.
func (d *Deriver) ValidateAddress(address string) bool {
	_, _, err := d.decodeAddress(address)
	return err == nil
}
