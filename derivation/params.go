package derivation

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	litecoinCfg "github.com/ltcsuite/ltcd/chaincfg"
)

// litecoinMainNetParams translates the litecoin main network parameters into
// the btcd parameter type used for address and extended key encoding. Only
// the fields touched by derivation are carried over.
func litecoinMainNetParams() *chaincfg.Params {
	ltc := &litecoinCfg.MainNetParams

	params := chaincfg.Params{
		Name:        ltc.Name,
		Net:         wire.BitcoinNet(ltc.Net),
		DefaultPort: ltc.DefaultPort,

		// Address encoding magics.
		PubKeyHashAddrID:        ltc.PubKeyHashAddrID,
		ScriptHashAddrID:        ltc.ScriptHashAddrID,
		PrivateKeyID:            ltc.PrivateKeyID,
		WitnessPubKeyHashAddrID: ltc.WitnessPubKeyHashAddrID,
		WitnessScriptHashAddrID: ltc.WitnessScriptHashAddrID,
		Bech32HRPSegwit:         ltc.Bech32HRPSegwit,

		HDCoinType: ltc.HDCoinType,
	}
	copy(params.HDPrivateKeyID[:], ltc.HDPrivateKeyID[:])
	copy(params.HDPublicKeyID[:], ltc.HDPublicKeyID[:])

	return &params
}

// dogecoinMainNetParams holds the dogecoin main network encoding parameters.
var dogecoinMainNetParams = chaincfg.Params{
	Name:        "dogecoin",
	Net:         wire.BitcoinNet(0xc0c0c0c0),
	DefaultPort: "22556",

	PubKeyHashAddrID: 0x1e,
	ScriptHashAddrID: 0x16,
	PrivateKeyID:     0x9e,

	HDPrivateKeyID: [4]byte{0x02, 0xfa, 0xc3, 0x98},
	HDPublicKeyID:  [4]byte{0x02, 0xfa, 0xca, 0xfd},
	HDCoinType:     3,
}
