package derivation

import (
	"fmt"
	"strings"
)

// Mode is the output script type an xpub is derived into. Each mode maps to a
// single BIP43 purpose.
type Mode uint8

const (
	// ModeLegacy derives P2PKH addresses (BIP44).
	ModeLegacy Mode = iota

	// ModeSegwit derives P2WPKH nested in P2SH addresses (BIP49).
	ModeSegwit

	// ModeNativeSegwit derives P2WPKH addresses (BIP84).
	ModeNativeSegwit

	// ModeTaproot derives key path only P2TR addresses (BIP86).
	ModeTaproot
)

// AllModes lists every derivation mode in ascending order.
var AllModes = []Mode{ModeLegacy, ModeSegwit, ModeNativeSegwit, ModeTaproot}

// String returns the canonical name of the mode, the one used in serialized
// accounts and configuration files.
func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "Legacy"
	case ModeSegwit:
		return "SegWit"
	case ModeNativeSegwit:
		return "Native SegWit"
	case ModeTaproot:
		return "Taproot"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// Purpose returns the BIP43 purpose field for the mode.
func (m Mode) Purpose() uint32 {
	switch m {
	case ModeSegwit:
		return 49
	case ModeNativeSegwit:
		return 84
	case ModeTaproot:
		return 86
	default:
		return 44
	}
}

// ParseMode returns the mode matching name. Matching ignores case, spaces and
// dashes so "native_segwit", "Native SegWit" and "native-segwit" are all
// accepted.
func ParseMode(name string) (Mode, error) {
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_':
			return -1
		}
		return r
	}, strings.ToLower(name))

	switch normalized {
	case "legacy", "p2pkh":
		return ModeLegacy, nil
	case "segwit", "p2sh", "p2shp2wpkh":
		return ModeSegwit, nil
	case "nativesegwit", "bech32", "p2wpkh":
		return ModeNativeSegwit, nil
	case "taproot", "bech32m", "p2tr":
		return ModeTaproot, nil
	}

	return 0, &DerivationError{
		Op:  "parse mode",
		Err: fmt.Errorf("%w: %q", ErrUnknownMode, name),
	}
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	if m > ModeTaproot {
		return nil, ErrUnknownMode
	}

	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name produced by MarshalText.
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode

	return nil
}
