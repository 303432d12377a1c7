package derivation

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	// bip44Xpub is the m/44'/0'/0' key of the all "abandon" mnemonic.
	bip44Xpub = "xpub6BosfCnifzxcFwrSzQiqu2DBVTshkCXacvNsWGYJVVhhawA7d4R5" +
		"WSWGFNbi8Aw6ZRc1brxMyWMzG3DSSSSoekkudhUd9yLb6qx39T9nMdj"

	// bip84Zpub is the account key of the BIP84 test vector.
	bip84Zpub = "zpub6rFR7y4Q2AijBEqTUquhVz398htDFrtymD9xYYfG1m4wAcvPhXNf" +
		"E3EfH1r1ADqtfSdVCToUG868RvUUkgDKf31mGDtKsAYz2oz2AGutZYs"

	// bip86Xpub is the account key of the BIP86 test vector.
	bip86Xpub = "xpub6BgBgsespWvERF3LHQu6CnqdvfEvtMcQjYrcRzx53QJjSxarj2af" +
		"YWcLteoGVky7D3UKDP9QyrLprQ3VCECoY49yfdDEHGCtMMj92pReUsQ"
)

func newBitcoinDeriver(t testing.TB) *Deriver {
	currency, err := LookupCurrency("bitcoin")
	require.NoError(t, err)

	return NewDeriver(currency, 100)
}

// TestGetAddressVectors checks derivation against published test vectors.
func TestGetAddressVectors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		mode    Mode
		xpub    string
		account uint32
		index   uint32
		address string
	}{
		{
			name:    "bip44 first receive",
			mode:    ModeLegacy,
			xpub:    bip44Xpub,
			address: "1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA",
		},
		{
			name:    "bip84 first receive",
			mode:    ModeNativeSegwit,
			xpub:    bip84Zpub,
			address: "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu",
		},
		{
			name:    "bip84 second receive",
			mode:    ModeNativeSegwit,
			xpub:    bip84Zpub,
			index:   1,
			address: "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g",
		},
		{
			name:    "bip84 first change",
			mode:    ModeNativeSegwit,
			xpub:    bip84Zpub,
			account: 1,
			address: "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el",
		},
		{
			name: "bip86 first receive",
			mode: ModeTaproot,
			xpub: bip86Xpub,
			address: "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac" +
				"6yqjjwudpxqkedrcr",
		},
	}

	deriver := newBitcoinDeriver(t)
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			address, err := deriver.GetAddress(
				testCase.mode, testCase.xpub, testCase.account,
				testCase.index,
			)
			require.NoError(t, err)
			require.Equal(t, testCase.address, address)

			// A second call is served from the cache and must
			// not differ.
			again, err := deriver.GetAddress(
				testCase.mode, testCase.xpub, testCase.account,
				testCase.index,
			)
			require.NoError(t, err)
			require.Equal(t, address, again)
		})
	}
}

// TestDerivationModeRoundTrip asserts that every derived address classifies
// back to the mode it was derived with and that derivation is deterministic
// across deriver instances.
func TestDerivationModeRoundTrip(t *testing.T) {
	t.Parallel()

	first := newBitcoinDeriver(t)
	second := newBitcoinDeriver(t)

	rapid.Check(t, func(rt *rapid.T) {
		mode := rapid.SampledFrom(AllModes).Draw(rt, "mode")
		account := rapid.Uint32Range(0, 1).Draw(rt, "account")
		index := rapid.Uint32Range(0, 500).Draw(rt, "index")

		address, err := first.GetAddress(mode, bip84Zpub, account, index)
		require.NoError(rt, err)

		other, err := second.GetAddress(
			mode, bip84Zpub, account, index,
		)
		require.NoError(rt, err)
		require.Equal(rt, address, other)

		classified, err := first.GetDerivationMode(address)
		require.NoError(rt, err)
		require.Equal(rt, mode, classified)
		require.True(rt, first.ValidateAddress(address))
	})
}

// TestClassifyAddress covers address classification and output scripts for
// well known mainnet addresses.
func TestClassifyAddress(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		address string
		valid   bool
		mode    Mode
		class   txscript.ScriptClass
	}{{
		address: "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2",
		valid:   true,
		mode:    ModeLegacy,
		class:   txscript.PubKeyHashTy,
	}, {
		address: "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy",
		valid:   true,
		mode:    ModeSegwit,
		class:   txscript.ScriptHashTy,
	}, {
		address: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq",
		valid:   true,
		mode:    ModeNativeSegwit,
		class:   txscript.WitnessV0PubKeyHashTy,
	}, {
		address: "BC1QAR0SRRR7XFKVY5L643LYDNW9RE59GTZZWF5MDQ",
		valid:   true,
		mode:    ModeNativeSegwit,
		class:   txscript.WitnessV0PubKeyHashTy,
	}, {
		address: "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqj" +
			"jwudpxqkedrcr",
		valid: true,
		mode:  ModeTaproot,
		class: txscript.WitnessV1TaprootTy,
	}, {
		// Bad bech32 checksum, must not fall back to base58.
		address: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdx",
	}, {
		// Testnet address on mainnet.
		address: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx",
	}, {
		// Bad base58 checksum.
		address: "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN3",
	}, {
		address: "",
	}}

	deriver := newBitcoinDeriver(t)
	for _, testCase := range testCases {
		require.Equal(
			t, testCase.valid,
			deriver.ValidateAddress(testCase.address),
			testCase.address,
		)

		mode, err := deriver.GetDerivationMode(testCase.address)
		script, scriptErr := deriver.ToOutputScript(testCase.address)
		if !testCase.valid {
			require.ErrorIs(t, err, ErrInvalidAddress)
			require.ErrorIs(t, scriptErr, ErrInvalidAddress)

			var derivErr *DerivationError
			require.ErrorAs(t, err, &derivErr)
			continue
		}

		require.NoError(t, err)
		require.NoError(t, scriptErr)
		require.Equal(t, testCase.mode, mode)
		require.Equal(
			t, testCase.class, txscript.GetScriptClass(script),
		)
	}
}

// TestCurrencyModes checks the per currency capabilities.
func TestCurrencyModes(t *testing.T) {
	t.Parallel()

	doge, err := LookupCurrency("dogecoin")
	require.NoError(t, err)
	require.Equal(t, DustPolicyFixed, doge.DustPolicy())

	_, err = NewDeriver(doge, 0).GetAddress(ModeTaproot, bip44Xpub, 0, 0)
	require.ErrorIs(t, err, ErrUnsupportedMode)

	address, err := NewDeriver(doge, 0).GetAddress(
		ModeLegacy, bip44Xpub, 0, 0,
	)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(address, "D"), address)

	ltc, err := LookupCurrency("litecoin")
	require.NoError(t, err)
	ltcDeriver := NewDeriver(ltc, 0)

	address, err = ltcDeriver.GetAddress(ModeNativeSegwit, bip84Zpub, 0, 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(address, "ltc1"), address)

	mode, err := ltcDeriver.GetDerivationMode(address)
	require.NoError(t, err)
	require.Equal(t, ModeNativeSegwit, mode)

	address, err = ltcDeriver.GetAddress(ModeLegacy, bip44Xpub, 0, 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(address, "L"), address)

	_, err = LookupCurrency("zcash")
	require.ErrorIs(t, err, ErrUnknownCurrency)

	require.Contains(t, Currencies(), "bitcoin_testnet")
}

// TestInvalidXpub makes sure malformed and private keys are rejected.
func TestInvalidXpub(t *testing.T) {
	t.Parallel()

	deriver := newBitcoinDeriver(t)

	_, err := deriver.GetAddress(ModeLegacy, "xpub-garbage", 0, 0)
	require.ErrorIs(t, err, ErrInvalidXpub)

	tprv := "tprv8ZgxMBicQKsPd7Uf69XL1XwhmjHopUGep8GuEiJDZmbQz6o58LninorQAfcKZWARbtRtfnLcJ5MQ2AtHcQJCCRUcMRvmDUjyEmNUWwx8UbK"
	_, err = deriver.GetAddress(ModeLegacy, tprv, 0, 0)
	require.ErrorIs(t, err, ErrInvalidXpub)

	// Hardened children cannot be derived from a public key.
	_, err = deriver.GetAddress(ModeLegacy, bip44Xpub, 0, 1<<31)
	require.Error(t, err)
}

// TestParseMode exercises the accepted spellings of each mode.
func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, mode := range AllModes {
		parsed, err := ParseMode(mode.String())
		require.NoError(t, err)
		require.Equal(t, mode, parsed)

		text, err := mode.MarshalText()
		require.NoError(t, err)

		var decoded Mode
		require.NoError(t, decoded.UnmarshalText(text))
		require.Equal(t, mode, decoded)
	}

	mode, err := ParseMode("native_segwit")
	require.NoError(t, err)
	require.Equal(t, ModeNativeSegwit, mode)

	_, err = ParseMode("cashaddr")
	require.ErrorIs(t, err, ErrUnknownMode)

	btc, err := LookupCurrency("bitcoin")
	require.NoError(t, err)
	require.Equal(t, "84'/0'/3'", AccountPath(ModeNativeSegwit, btc, 3))
	require.Equal(t, "86'/0'/0'", AccountPath(ModeTaproot, btc, 0))
}
