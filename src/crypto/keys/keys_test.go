package keys

import (
	"io/ioutil"
	"os"
	"path"
	"strings"
	"testing"
)

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "p2prelay-keys")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	simpleKeyfile := NewSimpleKeyfile(path.Join(dir, "priv_key"))

	// Try a read, should get nothing
	key, err := simpleKeyfile.ReadKey()
	if err == nil {
		t.Fatalf("ReadKey should generate an error")
	}
	if key != nil {
		t.Fatalf("key is not nil")
	}

	key, _ = GenerateECDSAKey()

	if err := simpleKeyfile.WriteKey(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	nKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if nKey.D.Cmp(key.D) != 0 || nKey.X.Cmp(key.X) != 0 || nKey.Y.Cmp(key.Y) != 0 {
		t.Fatalf("Keys do not match")
	}
}

func TestLoadOrGenerate(t *testing.T) {
	dir, err := ioutil.TempDir("", "p2prelay-keys")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	kf := NewSimpleKeyfile(path.Join(dir, "nested", "priv_key"))

	first, generated, err := kf.LoadOrGenerate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !generated {
		t.Fatalf("first call should generate a key")
	}

	second, generated, err := kf.LoadOrGenerate()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if generated {
		t.Fatalf("second call should load the existing key")
	}

	if PeerID(first) != PeerID(second) {
		t.Fatalf("PeerID changed between loads: %s vs %s", PeerID(first), PeerID(second))
	}
}

func TestFilePermissions(t *testing.T) {
	dir, err := ioutil.TempDir("", "p2prelay-keys")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	key, _ := GenerateECDSAKey()
	rawKey := PrivateKeyHex(key)

	badKeyPath := path.Join(dir, "priv_key_bad")

	shouldErr := []os.FileMode{
		0777, 0766, 0744,
		0677, 0666, 0644,
		0477, 0466, 0444,
	}

	for _, fm := range shouldErr {
		os.Remove(badKeyPath)
		ioutil.WriteFile(badKeyPath, []byte(rawKey), fm)
		os.Chmod(badKeyPath, fm)

		badKeyFile := NewSimpleKeyfile(badKeyPath)

		if _, err := badKeyFile.ReadKey(); err == nil {
			t.Fatalf("%o || badKeyFile should return permissions error", fm)
		}
	}

	goodKeyPath := path.Join(dir, "priv_key_good")

	shouldNotErr := []os.FileMode{
		0700, 0600, 0500, 0400,
	}

	for _, fm := range shouldNotErr {
		os.Remove(goodKeyPath)
		ioutil.WriteFile(goodKeyPath, []byte(rawKey), fm)
		os.Chmod(goodKeyPath, fm)

		goodKeyFile := NewSimpleKeyfile(goodKeyPath)

		if _, err := goodKeyFile.ReadKey(); err != nil {
			t.Fatalf("%o || goodKeyFile should not return error. Got %v", fm, err)
		}
	}
}

func TestPeerID(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	id := PeerID(key)
	if !strings.HasPrefix(id, "0x") {
		t.Fatalf("PeerID should be 0x-prefixed, got %s", id)
	}

	// 0x + uncompressed point (65 bytes)
	if len(id) != 2+130 {
		t.Fatalf("PeerID should be 132 characters long, got %d", len(id))
	}

	pub := ToPublicKey(FromPublicKey(&key.PublicKey))
	if pub == nil || PublicKeyHex(pub) != id {
		t.Fatalf("public key round trip failed")
	}

	if PeerID(nil) != "" {
		t.Fatalf("PeerID of nil key should be empty")
	}
}

func TestParsePrivateKeyErrors(t *testing.T) {
	if _, err := ParsePrivateKey([]byte{1, 2, 3}); err == nil {
		t.Fatalf("short key should fail")
	}
	if _, err := ParsePrivateKey(make([]byte, 32)); err == nil {
		t.Fatalf("zero key should fail")
	}
}
