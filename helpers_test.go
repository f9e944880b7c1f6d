package tamperlog

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

//revive:disable:function-length Long test functions are acceptable

// Key generation is slow for RSA; share one set across tests.
var (
	rsaOnce sync.Once
	rsaKeys [3]*rsa.PrivateKey
)

func testRSAKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	rsaOnce.Do(func() {
		for j := range rsaKeys {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			rsaKeys[j] = k
		}
	})
	return rsaKeys[i]
}

func testX25519Key(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	k, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func testEd25519Signing(t *testing.T, alg HashAlgorithm) SigningKeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return SigningKeyPair{Private: priv, Public: pub, Hash: alg}
}

func testECDSASigning(t *testing.T, alg HashAlgorithm) SigningKeyPair {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return SigningKeyPair{Private: k, Public: &k.PublicKey, Hash: alg}
}

// testKeys builds key material with an Ed25519 signer and an X25519
// encrypting key, plus the given viewers.
func testKeys(t *testing.T, viewers ...ViewingCertificate) *KeyMaterial {
	t.Helper()
	enc := testX25519Key(t)
	km, err := NewKeyMaterial(
		testEd25519Signing(t, SHA256),
		EncryptingKeyPair{Private: enc, Public: enc.PublicKey()},
		viewers, 0)
	if err != nil {
		t.Fatalf("NewKeyMaterial: %v", err)
	}
	return km
}

type testEnv struct {
	logDir     string
	trustedDir string
	keys       *KeyMaterial
	now        time.Time
}

func newTestEnv(t *testing.T, keys *KeyMaterial) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return &testEnv{
		logDir:     filepath.Join(dir, "logs"),
		trustedDir: filepath.Join(dir, "trusted"),
		keys:       keys,
		now:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// clock returns strictly increasing timestamps so no two checkpoints share
// one.
func (e *testEnv) clock() time.Time {
	e.now = e.now.Add(time.Second)
	return e.now
}

func (e *testEnv) options(name string) Options {
	return Options{
		Name:       name,
		LogDir:     e.logDir,
		TrustedDir: e.trustedDir,
		Keys:       e.keys,
		Iterations: 1000,
		Clock:      e.clock,
	}
}

func (e *testEnv) logPath(name string) string {
	return filepath.Join(e.logDir, name+logExt)
}

func (e *testEnv) refPath(name string) string {
	return filepath.Join(e.trustedDir, name+referenceExt)
}

func (e *testEnv) open(t *testing.T, name string) *SecureLogger {
	t.Helper()
	l, err := Open(e.options(name))
	if err != nil {
		t.Fatalf("Open(%s): %v", name, err)
	}
	return l
}

// session opens name, logs msgs and closes it.
func (e *testEnv) session(t *testing.T, name string, msgs ...string) Ack {
	t.Helper()
	l := e.open(t, name)
	for _, m := range msgs {
		if _, err := l.LogMessage([]byte(m)); err != nil {
			t.Fatalf("LogMessage(%q): %v", m, err)
		}
	}
	ack, err := l.CloseLog()
	if err != nil {
		t.Fatalf("CloseLog: %v", err)
	}
	return ack
}

// frameOffsets returns the file offset of every record in a primary log.
func frameOffsets(t *testing.T, data []byte) []int {
	t.Helper()
	pl, err := ParseLog(data)
	if err != nil {
		t.Fatalf("ParseLog: %v", err)
	}
	off := len(encodeFilePreamble(pl.HeaderBytes))
	var out []int
	for off < len(data) {
		_, n, err := DecodeRecord(data[off:])
		if err != nil {
			t.Fatalf("DecodeRecord at %d: %v", off, err)
		}
		out = append(out, off)
		off += n
	}
	return out
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
}

// failingAppender fails the next Write (after writing part of the frame)
// or the next Sync, then behaves like the wrapped file. failTruncate makes
// every Truncate fail.
type failingAppender struct {
	appender
	failWrite    bool
	failSync     bool
	failTruncate bool
}

func (f *failingAppender) Truncate(size int64) error {
	if f.failTruncate {
		return errInjected
	}
	return f.appender.Truncate(size)
}

var errInjected = errors.New("injected I/O failure")

func (f *failingAppender) Write(p []byte) (int, error) {
	if f.failWrite {
		f.failWrite = false
		n, _ := f.appender.Write(p[:len(p)/2])
		return n, errInjected
	}
	return f.appender.Write(p)
}

func (f *failingAppender) Sync() error {
	if f.failSync {
		f.failSync = false
		return errInjected
	}
	return f.appender.Sync()
}

// flakyReference fails Save while fail is set.
type flakyReference struct {
	ReferenceStore
	fail bool
}

func (f *flakyReference) Save(name string, c Checkpoint) error {
	if f.fail {
		return errInjected
	}
	return f.ReferenceStore.Save(name, c)
}
