package keys

import (
	"crypto/elliptic"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

// Relay identities are secp256k1 key-pairs, the curve used by Bitcoin and
// Ethereum, so existing wallet keys can operate a relay node.

// secp256k1N is the order of the curve. It bounds valid private keys.
var secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

// Curve returns btcsuite's golang implementation of secp256k1.
func Curve() elliptic.Curve {
	return btcec.S256()
}
