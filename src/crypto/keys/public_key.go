package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"

	"github.com/mosaicnetworks/p2prelay/src/common"
)

// ToPublicKey unmarshals the uncompressed form of a point on the curve, as
// returned by FromPublicKey.
func ToPublicKey(pub []byte) *ecdsa.PublicKey {
	if len(pub) == 0 {
		return nil
	}
	x, y := elliptic.Unmarshal(Curve(), pub)
	if x == nil {
		return nil
	}
	return &ecdsa.PublicKey{Curve: Curve(), X: x, Y: y}
}

// FromPublicKey outputs the point in uncompressed form.
func FromPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(Curve(), pub.X, pub.Y)
}

// PublicKeyHex returns the hexadecimal representation of the uncompressed form
// of the public key.
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return common.EncodeToString(FromPublicKey(pub))
}

// PeerID is the identity a relay announces on the network. It is derived from
// the public key so two nodes only share an identity if they share a key.
func PeerID(key *ecdsa.PrivateKey) string {
	if key == nil {
		return ""
	}
	return PublicKeyHex(&key.PublicKey)
}
