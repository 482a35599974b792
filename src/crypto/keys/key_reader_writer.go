package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"strings"
	"sync"
)

// SimpleKeyfile reads and writes unencrypted keyfiles containing the raw hex
// dump of a private key.
type SimpleKeyfile struct {
	l       sync.Mutex
	keyfile string
}

// NewSimpleKeyfile instantiates a new SimpleKeyfile with an underlying file
func NewSimpleKeyfile(keyfile string) *SimpleKeyfile {
	return &SimpleKeyfile{
		keyfile: keyfile,
	}
}

// Path returns the location of the underlying file.
func (k *SimpleKeyfile) Path() string {
	return k.keyfile
}

// CheckFileInfo verifies that the file exists and has user permissions only.
func (k *SimpleKeyfile) CheckFileInfo() error {
	info, err := os.Stat(k.keyfile)
	if err != nil {
		return err
	}

	perm := info.Mode().Perm()

	// permissions for 'groups' and 'others'
	var nonUserMask os.FileMode = (1 << 6) - 1

	if perm&nonUserMask != 0 {
		return fmt.Errorf("key file permissions should exclude 'groups' and 'others'. Got %o", perm)
	}

	return nil
}

// ReadKey reads the underlying file, expected to contain a raw hex dump of the
// key's D value as produced by WriteKey.
func (k *SimpleKeyfile) ReadKey() (*ecdsa.PrivateKey, error) {
	k.l.Lock()
	defer k.l.Unlock()

	if err := k.CheckFileInfo(); err != nil {
		return nil, err
	}

	buf, err := ioutil.ReadFile(k.keyfile)
	if err != nil {
		return nil, err
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(buf)))
	if err != nil {
		return nil, err
	}

	return ParsePrivateKey(key)
}

// WriteKey writes a raw hex dump of the key's D value to the underlying file.
func (k *SimpleKeyfile) WriteKey(key *ecdsa.PrivateKey) error {
	k.l.Lock()
	defer k.l.Unlock()

	if err := os.MkdirAll(path.Dir(k.keyfile), 0700); err != nil {
		return err
	}

	return ioutil.WriteFile(k.keyfile, []byte(PrivateKeyHex(key)), 0600)
}

// LoadOrGenerate reads the key from the file, or generates and persists a new
// one if the file does not exist. The boolean reports whether a key was
// generated.
func (k *SimpleKeyfile) LoadOrGenerate() (*ecdsa.PrivateKey, bool, error) {
	key, err := k.ReadKey()
	if err == nil {
		return key, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}

	key, err = GenerateECDSAKey()
	if err != nil {
		return nil, false, err
	}
	if err := k.WriteKey(key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}
