package crypto

import (
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/mosaicnetworks/p2prelay/src/common"
)

// Keccak256 returns the legacy (pre-NIST) Keccak-256 hash of the input, the
// variant used by Ethereum.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Digest maps peer identities to their Keccak-256 digests. Digests are the
// only thing election priority is decided on: two identities are ordered by
// the lexicographic comparison of their fixed-length digest strings.
//
// Results are memoized forever. The set of identities a relay meets is
// small, and a digest never changes.
type Digest struct {
	sync.Mutex
	cache map[string]string
}

// NewDigest returns an empty Digest.
func NewDigest() *Digest {
	return &Digest{
		cache: make(map[string]string),
	}
}

// CalcHash returns the 0x-prefixed lowercase hex Keccak-256 digest of s. The
// empty string has no digest and maps to the empty string.
func (d *Digest) CalcHash(s string) string {
	if s == "" {
		return ""
	}

	d.Lock()
	defer d.Unlock()

	if h, ok := d.cache[s]; ok {
		return h
	}

	h := common.EncodeToString(Keccak256([]byte(s)))
	d.cache[s] = h

	return h
}

// Len returns the number of memoized digests.
func (d *Digest) Len() int {
	d.Lock()
	defer d.Unlock()
	return len(d.cache)
}
