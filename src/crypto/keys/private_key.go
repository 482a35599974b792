package keys

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// GenerateECDSAKey creates a new private key on the secp256k1 curve.
func GenerateECDSAKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(Curve(), rand.Reader)
}

// DumpPrivateKey exports the D value of a private key as a fixed-size
// big-endian byte slice.
func DumpPrivateKey(priv *ecdsa.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	size := priv.Params().BitSize / 8
	d := priv.D.Bytes()
	if len(d) >= size {
		return d
	}
	padded := make([]byte, size)
	copy(padded[size-len(d):], d)
	return padded
}

// ParsePrivateKey creates a private key with the given D value.
func ParsePrivateKey(d []byte) (*ecdsa.PrivateKey, error) {
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = Curve()

	if 8*len(d) != priv.Params().BitSize {
		return nil, fmt.Errorf("invalid length, need %d bits", priv.Params().BitSize)
	}

	priv.D = new(big.Int).SetBytes(d)

	if priv.D.Cmp(secp256k1N) >= 0 {
		return nil, fmt.Errorf("invalid private key, >=N")
	}

	if priv.D.Sign() <= 0 {
		return nil, fmt.Errorf("invalid private key, zero or negative")
	}

	priv.PublicKey.X, priv.PublicKey.Y = priv.PublicKey.Curve.ScalarBaseMult(d)
	if priv.PublicKey.X == nil {
		return nil, errors.New("invalid private key")
	}

	return priv, nil
}

// PrivateKeyHex returns the hexadecimal dump of a private key, as written to
// keyfiles.
func PrivateKeyHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(DumpPrivateKey(key))
}
