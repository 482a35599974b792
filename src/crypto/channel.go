package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"
	"golang.org/x/crypto/chacha20poly1305"
)

// SecretPrefix is prepended to the group key before deriving the symmetric
// key of a SecureChannel.
const SecretPrefix = "p2prelay_election_secret"

// ErrCipherText is returned for inputs that are not a well-formed ciphertext
// produced by Encrypt.
var ErrCipherText = errors.New("malformed ciphertext")

// SecureChannel seals and opens election payloads with a key derived from a
// shared group key. Peers that do not share the group key cannot read or forge
// each other's messages, but nothing prevents replays.
//
// The wire form is base64(nonce || XChaCha20-Poly1305 ciphertext) of the JSON
// encoding of the payload.
type SecureChannel struct {
	handle *codec.JsonHandle
}

// NewSecureChannel returns a SecureChannel.
func NewSecureChannel() *SecureChannel {
	return &SecureChannel{
		handle: new(codec.JsonHandle),
	}
}

// DeriveKey returns the symmetric key used for groupKey.
func DeriveKey(groupKey string) []byte {
	return Keccak256([]byte(fmt.Sprintf("%s-%s", SecretPrefix, groupKey)))
}

// Encrypt serializes v and seals it with the key derived from groupKey.
func (sc *SecureChannel) Encrypt(v interface{}, groupKey string) (string, error) {
	var plain []byte
	enc := codec.NewEncoderBytes(&plain, sc.handle)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encoding payload: %v", err)
	}

	aead, err := chacha20poly1305.NewX(DeriveKey(groupKey))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, plain, nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt and decodes it into out. Any
// failure, including a wrong group key, returns an error and leaves the
// message to be dropped.
func (sc *SecureChannel) Decrypt(cipherText string, groupKey string, out interface{}) error {
	if cipherText == "" {
		return ErrCipherText
	}

	sealed, err := base64.StdEncoding.DecodeString(cipherText)
	if err != nil {
		return ErrCipherText
	}

	aead, err := chacha20poly1305.NewX(DeriveKey(groupKey))
	if err != nil {
		return err
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return ErrCipherText
	}

	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return fmt.Errorf("opening ciphertext: %v", err)
	}

	dec := codec.NewDecoderBytes(plain, sc.handle)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding payload: %v", err)
	}

	return nil
}
