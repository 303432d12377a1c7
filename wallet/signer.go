package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/lightningnetwork/xpubwallet/derivation"
	"github.com/lightningnetwork/xpubwallet/txbuilder"
)

// ExtendedPublicKey is a public key together with its BIP32 chain code.
type ExtendedPublicKey struct {
	PubKey    *btcec.PublicKey
	ChainCode []byte
}

// SignRequest is handed to the signer for one transaction.
type SignRequest struct {
	// Packet is the unsigned transaction with the previous outputs of
	// every input.
	Packet *psbt.Packet

	// TxInfo is the transaction as built.
	TxInfo *txbuilder.TransactionInfo

	// InputPaths holds the full derivation path of the key of each input.
	InputPaths []string

	// ChangePath is the derivation path of the change output key, empty
	// when the transaction has no change.
	ChangePath string

	// Mode is the script type of the inputs.
	Mode derivation.Mode
}

// Signer holds the private keys of the accounts.
type Signer interface {
	// GetPublicKey returns the extended public key at path, written
	// without the leading "m/", e.g. "84'/0'/0'".
	GetPublicKey(ctx context.Context, path string) (*ExtendedPublicKey,
		error)

	// SignTransaction signs req and returns the raw hex of the signed
	// transaction.
	SignTransaction(ctx context.Context, req *SignRequest) (string, error)
}

// SignerRejectedError is returned when the signer refuses a request.
type SignerRejectedError struct {
	Err error
}

// Error returns a human-readable string describing the error.
func (e *SignerRejectedError) Error() string {
	return fmt.Sprintf("signer rejected request: %v", e.Err)
}

// Unwrap returns the signer error.
func (e *SignerRejectedError) Unwrap() error {
	return e.Err
}

// DeriveXpub builds the account extended public key of index from the keys
// the signer exposes. The parent fingerprint is the first four bytes of the
// hash160 of the parent public key.
func DeriveXpub(ctx context.Context, signer Signer,
	currency derivation.Currency, mode derivation.Mode,
	index uint32) (string, error) {

	if !currency.SupportsMode(mode) {
		return "", &derivation.DerivationError{
			Op: "derive xpub",
			Err: fmt.Errorf("%w: %v on %v",
				derivation.ErrUnsupportedMode, mode,
				currency.Name()),
		}
	}

	accountPath := derivation.AccountPath(mode, currency, index)
	parentPath := fmt.Sprintf("%d'/%d'", mode.Purpose(),
		currency.Params().HDCoinType)

	parent, err := signer.GetPublicKey(ctx, parentPath)
	if err != nil {
		return "", &SignerRejectedError{Err: err}
	}
	account, err := signer.GetPublicKey(ctx, accountPath)
	if err != nil {
		return "", &SignerRejectedError{Err: err}
	}

	fingerprint := btcutil.Hash160(parent.PubKey.SerializeCompressed())[:4]

	key := hdkeychain.NewExtendedKey(
		currency.Params().HDPublicKeyID[:],
		account.PubKey.SerializeCompressed(), account.ChainCode,
		fingerprint, 3, hdkeychain.HardenedKeyStart+index, false,
	)

	log.Debugf("Derived %v account xpub at %v", currency.Name(),
		accountPath)

	return key.String(), nil
}
