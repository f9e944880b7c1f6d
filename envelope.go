package tamperlog

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/pbkdf2"
)

// CipherSuite selects the AEAD used for record payloads.
type CipherSuite uint8

// Supported payload ciphers. Values are persisted; never renumber.
const (
	CipherUnknown CipherSuite = iota
	AES256GCM
	ChaCha20Poly1305
)

func (c CipherSuite) String() string {
	switch c {
	case AES256GCM:
		return "AES-256-GCM"
	case ChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	}
	return fmt.Sprintf("CipherSuite(%d)", uint8(c))
}

// ParseCipherSuite accepts "aes-256-gcm" or "chacha20-poly1305".
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch s {
	case "", "aes-256-gcm", "AES-256-GCM", "aes256gcm":
		return AES256GCM, nil
	case "chacha20-poly1305", "ChaCha20-Poly1305", "chacha20poly1305":
		return ChaCha20Poly1305, nil
	}
	return CipherUnknown, fmt.Errorf("unknown cipher suite %q", s)
}

// Valid reports whether c is a supported suite.
func (c CipherSuite) Valid() bool { return c == AES256GCM || c == ChaCha20Poly1305 }

// WrapScheme identifies how a content key was wrapped for a recipient.
type WrapScheme uint8

// Supported wrap schemes. Values are persisted; never renumber.
const (
	WrapUnknown WrapScheme = iota
	WrapRSAOAEPSHA256
	WrapX25519SealedBox
)

// Envelope is one recipient's wrapped copy of the content key.
type Envelope struct {
	Recipient RecipientID
	Scheme    WrapScheme
	Wrapped   []byte
}

var oaepLabel = []byte("tamperlog/content-key")

// SealToRecipient encrypts a short message (at most a few hundred bytes) to
// pub. It is the primitive behind WrapContentKey and is never used for log
// payloads.
func SealToRecipient(pub crypto.PublicKey, msg []byte, r io.Reader) (WrapScheme, []byte, error) {
	if r == nil {
		r = rand.Reader
	}
	switch k := pub.(type) {
	case *rsa.PublicKey:
		ct, err := rsa.EncryptOAEP(sha256.New(), r, k, msg, oaepLabel)
		if err != nil {
			return WrapUnknown, nil, fmt.Errorf("rsa-oaep: %w", err)
		}
		return WrapRSAOAEPSHA256, ct, nil
	case *ecdh.PublicKey:
		if k.Curve() != ecdh.X25519() {
			return WrapUnknown, nil, fmt.Errorf("%w: ECDH curve %v", ErrKeyMaterial, k.Curve())
		}
		var recipient [32]byte
		copy(recipient[:], k.Bytes())
		ct, err := box.SealAnonymous(nil, msg, &recipient, r)
		if err != nil {
			return WrapUnknown, nil, fmt.Errorf("sealed box: %w", err)
		}
		return WrapX25519SealedBox, ct, nil
	}
	return WrapUnknown, nil, fmt.Errorf("%w: recipient key type %T", ErrKeyMaterial, pub)
}

// OpenAsRecipient reverses SealToRecipient. Any failure, including a key of
// the wrong type for scheme, is reported as ErrKeyMismatch.
func OpenAsRecipient(priv crypto.PrivateKey, scheme WrapScheme, ct []byte) ([]byte, error) {
	switch scheme {
	case WrapRSAOAEPSHA256:
		switch k := priv.(type) {
		case *rsa.PrivateKey:
			msg, err := rsa.DecryptOAEP(sha256.New(), nil, k, ct, oaepLabel)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
			}
			return msg, nil
		case crypto.Decrypter:
			if _, ok := k.Public().(*rsa.PublicKey); !ok {
				break
			}
			msg, err := k.Decrypt(nil, ct, &rsa.OAEPOptions{Hash: crypto.SHA256, Label: oaepLabel})
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
			}
			return msg, nil
		}
	case WrapX25519SealedBox:
		if k, ok := priv.(*ecdh.PrivateKey); ok && k.Curve() == ecdh.X25519() {
			var pub, sec [32]byte
			copy(pub[:], k.PublicKey().Bytes())
			copy(sec[:], k.Bytes())
			msg, ok := box.OpenAnonymous(nil, ct, &pub, &sec)
			if !ok {
				return nil, fmt.Errorf("%w: sealed box did not open", ErrKeyMismatch)
			}
			return msg, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown wrap scheme %d", ErrKeyMismatch, scheme)
	}
	return nil, fmt.Errorf("%w: key type %T cannot open scheme %d", ErrKeyMismatch, priv, scheme)
}

// wrapped content key layout: key | salt | iterations (u32 BE)
const wrappedKeyLen = contentKeySize + contentSaltSize + 4

// WrapContentKey seals ck for pub. The PBKDF2 parameters travel inside the
// envelope so each envelope is self-contained.
func WrapContentKey(ck ContentKey, pub crypto.PublicKey, r io.Reader) (Envelope, error) {
	if len(ck.Key) != contentKeySize || len(ck.Salt) != contentSaltSize || ck.Iterations == 0 {
		return Envelope{}, errors.New("content key not initialized")
	}
	id, err := RecipientIDOf(pub)
	if err != nil {
		return Envelope{}, err
	}
	plain := make([]byte, 0, wrappedKeyLen)
	plain = append(plain, ck.Key...)
	plain = append(plain, ck.Salt...)
	plain = binary.BigEndian.AppendUint32(plain, ck.Iterations)

	scheme, ct, err := SealToRecipient(pub, plain, r)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Recipient: id, Scheme: scheme, Wrapped: ct}, nil
}

// UnwrapContentKey recovers the content key with priv.
func UnwrapContentKey(env Envelope, priv crypto.PrivateKey) (ContentKey, error) {
	plain, err := OpenAsRecipient(priv, env.Scheme, env.Wrapped)
	if err != nil {
		return ContentKey{}, err
	}
	if len(plain) != wrappedKeyLen {
		return ContentKey{}, fmt.Errorf("%w: unwrapped key has %d bytes", ErrKeyMismatch, len(plain))
	}
	iters := binary.BigEndian.Uint32(plain[contentKeySize+contentSaltSize:])
	if iters == 0 {
		return ContentKey{}, fmt.Errorf("%w: zero iteration count", ErrKeyMismatch)
	}
	return ContentKey{
		Key:        append([]byte(nil), plain[:contentKeySize]...),
		Salt:       append([]byte(nil), plain[contentKeySize:contentKeySize+contentSaltSize]...),
		Iterations: iters,
	}, nil
}

// unwrapAny tries priv against every envelope, preferring the one addressed
// to priv's public key.
func unwrapAny(envs []Envelope, priv crypto.PrivateKey) (ContentKey, error) {
	var preferred []Envelope
	var rest []Envelope
	pub, err := publicOf(priv)
	if err == nil {
		if id, err := RecipientIDOf(pub); err == nil {
			for _, e := range envs {
				if e.Recipient == id {
					preferred = append(preferred, e)
				} else {
					rest = append(rest, e)
				}
			}
		}
	}
	if preferred == nil && rest == nil {
		rest = envs
	}
	for _, e := range append(preferred, rest...) {
		ck, err := UnwrapContentKey(e, priv)
		if err == nil {
			return ck, nil
		}
	}
	return ContentKey{}, ErrAccessDenied
}

// PayloadCipher encrypts record payloads under a content key. The PBKDF2
// derivation runs once, in NewPayloadCipher.
type PayloadCipher struct {
	suite CipherSuite
	aead  cipher.AEAD
	rand  io.Reader
}

// NewPayloadCipher derives the record key from ck and builds the AEAD.
func NewPayloadCipher(ck ContentKey, suite CipherSuite) (*PayloadCipher, error) {
	key := pbkdf2.Key(ck.Key, ck.Salt, int(ck.Iterations), 32, sha256.New)
	var (
		aead cipher.AEAD
		err  error
	)
	switch suite {
	case AES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case ChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unsupported cipher suite %v", suite)
	}
	if err != nil {
		return nil, fmt.Errorf("init %v: %w", suite, err)
	}
	return &PayloadCipher{suite: suite, aead: aead, rand: rand.Reader}, nil
}

// Suite reports the AEAD in use.
func (p *PayloadCipher) Suite() CipherSuite { return p.suite }

// EncryptPayload returns nonce || sealed(plaintext). aad is authenticated but
// not stored.
func (p *PayloadCipher) EncryptPayload(plaintext, aad []byte) ([]byte, error) {
	ns := p.aead.NonceSize()
	out := make([]byte, ns, ns+len(plaintext)+p.aead.Overhead())
	if _, err := io.ReadFull(p.rand, out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return p.aead.Seal(out, out[:ns], plaintext, aad), nil
}

// DecryptPayload authenticates and opens a ciphertext from EncryptPayload.
func (p *PayloadCipher) DecryptPayload(ciphertext, aad []byte) ([]byte, error) {
	ns := p.aead.NonceSize()
	if len(ciphertext) < ns+p.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrMalformedRecord)
	}
	plain, err := p.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: payload authentication failed", ErrTamperDetected)
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}

// payloadAAD binds a ciphertext to its log and slot.
func payloadAAD(logID [16]byte, seq uint64) []byte {
	aad := make([]byte, 0, 24)
	aad = append(aad, logID[:]...)
	return binary.BigEndian.AppendUint64(aad, seq)
}
