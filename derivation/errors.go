package derivation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMode is returned for a derivation mode that does not exist.
	ErrUnknownMode = errors.New("unknown derivation mode")

	// ErrUnsupportedMode is returned when a currency cannot derive into
	// the requested mode, e.g. taproot on dogecoin.
	ErrUnsupportedMode = errors.New("derivation mode not supported by " +
		"currency")

	// ErrInvalidXpub is returned when an extended key cannot be parsed or
	// is private.
	ErrInvalidXpub = errors.New("invalid extended public key")

	// ErrInvalidAddress is returned when an address does not decode for
	// the currency's network.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrUnknownCurrency is returned by LookupCurrency on a miss.
	ErrUnknownCurrency = errors.New("unknown currency")
)

// DerivationError wraps every failure of the derivation package together with
// the operation that produced it.
type DerivationError struct {
	Op  string
	Err error
}

// Error returns a human readable description of the failure.
func (e *DerivationError) Error() string {
	return fmt.Sprintf("derivation: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause so callers can match the sentinel
// errors above with errors.Is.
func (e *DerivationError) Unwrap() error {
	return e.Err
}
