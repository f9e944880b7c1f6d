package tamperlog

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestSealToRecipient(t *testing.T) {
	rsaKey := testRSAKey(t, 0)
	xKey := testX25519Key(t)
	msg := []byte("attack at dawn")

	tests := []struct {
		name   string
		pub    any
		priv   any
		wrong  any
		scheme WrapScheme
	}{
		{"rsa", &rsaKey.PublicKey, rsaKey, testRSAKey(t, 1), WrapRSAOAEPSHA256},
		{"x25519", xKey.PublicKey(), xKey, testX25519Key(t), WrapX25519SealedBox},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheme, ct, err := SealToRecipient(tt.pub, msg, nil)
			if err != nil {
				t.Fatal(err)
			}
			if scheme != tt.scheme {
				t.Fatalf("Expected scheme %d, got %d", tt.scheme, scheme)
			}
			if bytes.Contains(ct, msg) {
				t.Fatal("Ciphertext contains plaintext")
			}
			got, err := OpenAsRecipient(tt.priv, scheme, ct)
			if err != nil {
				t.Fatalf("OpenAsRecipient: %v", err)
			}
			if !bytes.Equal(got, msg) {
				t.Fatalf("Got %q, want %q", got, msg)
			}
			if _, err := OpenAsRecipient(tt.wrong, scheme, ct); !errors.Is(err, ErrKeyMismatch) {
				t.Fatalf("Expected ErrKeyMismatch with wrong key, got %v", err)
			}
		})
	}

	ec, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if _, _, err := SealToRecipient(&ec.PublicKey, msg, nil); !errors.Is(err, ErrKeyMaterial) {
		t.Fatalf("Expected ErrKeyMaterial for ECDSA recipient, got %v", err)
	}
	if _, err := OpenAsRecipient(xKey, WrapRSAOAEPSHA256, []byte("x")); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("Expected ErrKeyMismatch for scheme/key mismatch, got %v", err)
	}
}

func TestContentKey_WrapUnwrap(t *testing.T) {
	ck, err := NewContentKey(nil, 1234)
	if err != nil {
		t.Fatal(err)
	}
	rsaKey := testRSAKey(t, 0)
	xKey := testX25519Key(t)

	var envs []Envelope
	for _, pub := range []any{&rsaKey.PublicKey, xKey.PublicKey()} {
		env, err := WrapContentKey(ck, pub, nil)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := RecipientIDOf(pub)
		if env.Recipient != want {
			t.Fatal("Envelope addressed to the wrong recipient")
		}
		envs = append(envs, env)
	}

	for _, priv := range []any{rsaKey, xKey} {
		got, err := unwrapAny(envs, priv)
		if err != nil {
			t.Fatalf("unwrapAny(%T): %v", priv, err)
		}
		if !bytes.Equal(got.Key, ck.Key) || !bytes.Equal(got.Salt, ck.Salt) || got.Iterations != 1234 {
			t.Fatalf("Recovered a different content key")
		}
	}

	if _, err := unwrapAny(envs, testX25519Key(t)); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Expected ErrAccessDenied, got %v", err)
	}
	if _, err := UnwrapContentKey(envs[0], xKey); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("Expected ErrKeyMismatch, got %v", err)
	}
	if _, err := WrapContentKey(ContentKey{}, xKey.PublicKey(), nil); err == nil {
		t.Fatal("Expected error wrapping an empty content key")
	}
}

func TestPayloadCipher_RoundTrip(t *testing.T) {
	ck, err := NewContentKey(nil, 1000)
	if err != nil {
		t.Fatal(err)
	}
	logID := uuid.New()
	large := make([]byte, 1<<20)
	if _, err := rand.Read(large); err != nil {
		t.Fatal(err)
	}

	for _, suite := range []CipherSuite{AES256GCM, ChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			pc, err := NewPayloadCipher(ck, suite)
			if err != nil {
				t.Fatal(err)
			}
			for _, msg := range [][]byte{{}, []byte("Hello"), {0x00, 0xff, 0x00, 0x80}, large} {
				aad := payloadAAD(logID, 3)
				ct, err := pc.EncryptPayload(msg, aad)
				if err != nil {
					t.Fatal(err)
				}
				got, err := pc.DecryptPayload(ct, aad)
				if err != nil {
					t.Fatalf("DecryptPayload: %v", err)
				}
				if got == nil || !bytes.Equal(got, msg) {
					t.Fatalf("Round trip of %d bytes failed", len(msg))
				}

				if _, err := pc.DecryptPayload(ct, payloadAAD(logID, 4)); !errors.Is(err, ErrTamperDetected) {
					t.Fatalf("Expected ErrTamperDetected for moved record, got %v", err)
				}
				flipped := append([]byte{}, ct...)
				flipped[len(flipped)-1] ^= 1
				if _, err := pc.DecryptPayload(flipped, aad); !errors.Is(err, ErrTamperDetected) {
					t.Fatalf("Expected ErrTamperDetected for flipped bit, got %v", err)
				}
			}
			if _, err := pc.DecryptPayload([]byte{1, 2, 3}, nil); !errors.Is(err, ErrMalformedRecord) {
				t.Fatalf("Expected ErrMalformedRecord for short ciphertext, got %v", err)
			}
		})
	}

	// Same plaintext encrypts differently each time.
	pc, _ := NewPayloadCipher(ck, AES256GCM)
	a, _ := pc.EncryptPayload([]byte("same"), nil)
	b, _ := pc.EncryptPayload([]byte("same"), nil)
	if bytes.Equal(a, b) {
		t.Fatal("Nonce reuse: identical ciphertexts")
	}

	// A different content key cannot decrypt.
	other, _ := NewContentKey(nil, 1000)
	pc2, _ := NewPayloadCipher(other, AES256GCM)
	if _, err := pc2.DecryptPayload(a, nil); !errors.Is(err, ErrTamperDetected) {
		t.Fatalf("Expected ErrTamperDetected with foreign key, got %v", err)
	}
}

func TestParseCipherSuite(t *testing.T) {
	for in, want := range map[string]CipherSuite{
		"":                  AES256GCM,
		"aes-256-gcm":       AES256GCM,
		"chacha20-poly1305": ChaCha20Poly1305,
	} {
		got, err := ParseCipherSuite(in)
		if err != nil || got != want {
			t.Errorf("ParseCipherSuite(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseCipherSuite("des"); err == nil {
		t.Error("Expected error for unknown suite")
	}
}

func TestOpenAsRecipient_Decrypter(t *testing.T) {
	k := testRSAKey(t, 2)
	scheme, ct, err := SealToRecipient(&k.PublicKey, []byte("hsm"), nil)
	if err != nil {
		t.Fatal(err)
	}
	// A crypto.Decrypter that is not *rsa.PrivateKey, as an HSM would supply.
	got, err := OpenAsRecipient(decrypterOnly{k}, scheme, ct)
	if err != nil || string(got) != "hsm" {
		t.Fatalf("Decrypter path: %q, %v", got, err)
	}
}

type decrypterOnly struct{ *rsa.PrivateKey }
