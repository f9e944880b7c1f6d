package tamperlog

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
)

func TestNewKeyMaterial(t *testing.T) {
	small, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	p224, _ := ecdsa.GenerateKey(elliptic.P224(), rand.Reader)
	p256, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	enc := testX25519Key(t)
	other := testX25519Key(t)
	signer := testEd25519Signing(t, SHA256)
	rsaEnc := testRSAKey(t, 0)

	tests := []struct {
		name       string
		signing    SigningKeyPair
		encrypting EncryptingKeyPair
		viewers    []ViewingCertificate
		minBits    int
		wantErr    bool
	}{
		{"ed25519 + x25519", signer, EncryptingKeyPair{Private: enc}, nil, 0, false},
		{"rsa encrypting", signer, EncryptingKeyPair{Private: rsaEnc, Public: &rsaEnc.PublicKey}, nil, 0, false},
		{"ecdsa signing", SigningKeyPair{Private: p256, Hash: SHA384}, EncryptingKeyPair{Private: enc}, nil, 0, false},
		{"rsa viewer", signer, EncryptingKeyPair{Private: enc}, []ViewingCertificate{{Public: &rsaEnc.PublicKey}}, 0, false},
		{"small rsa signer", SigningKeyPair{Private: small, Hash: SHA256}, EncryptingKeyPair{Private: enc}, nil, 0, true},
		{"small rsa allowed by minimum", SigningKeyPair{Private: small, Hash: SHA256}, EncryptingKeyPair{Private: enc}, nil, 1024, false},
		{"small rsa encrypting", signer, EncryptingKeyPair{Private: small}, nil, 0, true},
		{"p224 signer", SigningKeyPair{Private: p224, Hash: SHA256}, EncryptingKeyPair{Private: enc}, nil, 0, true},
		{"ecdsa encrypting", signer, EncryptingKeyPair{Private: p256}, nil, 0, true},
		{"ecdsa viewer", signer, EncryptingKeyPair{Private: enc}, []ViewingCertificate{{Public: &p256.PublicKey}}, 0, true},
		{"viewer without key", signer, EncryptingKeyPair{Private: enc}, []ViewingCertificate{{}}, 0, true},
		{"mismatched encrypting pair", signer, EncryptingKeyPair{Private: enc, Public: other.PublicKey()}, nil, 0, true},
		{"mismatched signing pair", SigningKeyPair{Private: signer.Private, Public: &p256.PublicKey, Hash: SHA256}, EncryptingKeyPair{Private: enc}, nil, 0, true},
		{"no signing key", SigningKeyPair{Hash: SHA256}, EncryptingKeyPair{Private: enc}, nil, 0, true},
		{"no hash", SigningKeyPair{Private: signer.Private}, EncryptingKeyPair{Private: enc}, nil, 0, true},
		{"no encrypting key", signer, EncryptingKeyPair{}, nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			km, err := NewKeyMaterial(tt.signing, tt.encrypting, tt.viewers, tt.minBits)
			if tt.wantErr {
				if !errors.Is(err, ErrKeyMaterial) {
					t.Fatalf("Expected ErrKeyMaterial, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewKeyMaterial: %v", err)
			}
			if got := len(km.Recipients()); got != 1+len(tt.viewers) {
				t.Fatalf("Expected %d recipients, got %d", 1+len(tt.viewers), got)
			}
			if km.Signing().Public == nil || km.Encrypting().Public == nil {
				t.Fatal("Public halves not derived")
			}
		})
	}
}

func TestRecipientID(t *testing.T) {
	a := testX25519Key(t)
	b := testX25519Key(t)
	ida, err := RecipientIDOf(a.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	again, _ := RecipientIDOf(a.PublicKey())
	idb, _ := RecipientIDOf(b.PublicKey())
	if ida != again || ida == idb {
		t.Fatal("Recipient IDs are not stable fingerprints")
	}
	if len(ida.String()) != 64 {
		t.Fatalf("Unexpected ID string %q", ida)
	}
}

func TestNewContentKey(t *testing.T) {
	ck, err := NewContentKey(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ck.Key) != contentKeySize || len(ck.Salt) != contentSaltSize || ck.Iterations != DefaultPBKDF2Iterations {
		t.Fatalf("Unexpected content key shape %d/%d/%d", len(ck.Key), len(ck.Salt), ck.Iterations)
	}
	if _, err := NewContentKey(bytesReader(nil), 1); err == nil {
		t.Fatal("Expected error from exhausted randomness")
	}
}

type bytesReader []byte

func (b bytesReader) Read(p []byte) (int, error) {
	if len(b) == 0 {
		return 0, errors.New("no entropy")
	}
	return copy(p, b), nil
}
