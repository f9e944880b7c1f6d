package tamperlog

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
)

// DefaultMinRSABits is the smallest RSA modulus accepted unless overridden.
const DefaultMinRSABits = 2048

// SigningKeyPair produces and verifies checkpoint signatures.
type SigningKeyPair struct {
	Private crypto.Signer
	Public  crypto.PublicKey
	Hash    HashAlgorithm
}

// EncryptingKeyPair wraps and unwraps the per-log content key. The private
// key is either an *rsa.PrivateKey (or any crypto.Decrypter with an RSA
// public key) or an X25519 *ecdh.PrivateKey.
type EncryptingKeyPair struct {
	Private crypto.PrivateKey
	Public  crypto.PublicKey
}

// ViewingCertificate grants a secondary party access to the content key.
// Only the public half is held by the logger.
type ViewingCertificate struct {
	Certificate *x509.Certificate // optional, informational
	Public      crypto.PublicKey
}

// ViewingCertificateFromX509 extracts the recipient key from cert.
func ViewingCertificateFromX509(cert *x509.Certificate) ViewingCertificate {
	return ViewingCertificate{Certificate: cert, Public: cert.PublicKey}
}

// KeyMaterial is the validated, immutable key set used by a SecureLogger.
type KeyMaterial struct {
	signing    SigningKeyPair
	encrypting EncryptingKeyPair
	viewers    []ViewingCertificate
}

// NewKeyMaterial validates the supplied keys. minRSABits <= 0 selects
// DefaultMinRSABits. Any unsupported algorithm or undersized key yields an
// error wrapping ErrKeyMaterial.
func NewKeyMaterial(signing SigningKeyPair, encrypting EncryptingKeyPair, viewers []ViewingCertificate, minRSABits int) (*KeyMaterial, error) {
	if minRSABits <= 0 {
		minRSABits = DefaultMinRSABits
	}
	if signing.Private == nil {
		return nil, fmt.Errorf("%w: signing private key missing", ErrKeyMaterial)
	}
	if signing.Public == nil {
		signing.Public = signing.Private.Public()
	}
	if !signing.Hash.Valid() {
		return nil, fmt.Errorf("%w: signing digest %v", ErrKeyMaterial, signing.Hash)
	}
	if err := checkSigningKey(signing.Public, minRSABits); err != nil {
		return nil, err
	}
	if !samePublicKey(signing.Public, signing.Private.Public()) {
		return nil, fmt.Errorf("%w: signing public key does not match private key", ErrKeyMaterial)
	}

	if encrypting.Private == nil {
		return nil, fmt.Errorf("%w: encrypting private key missing", ErrKeyMaterial)
	}
	derived, err := publicOf(encrypting.Private)
	if err != nil {
		return nil, err
	}
	if encrypting.Public == nil {
		encrypting.Public = derived
	}
	if err := checkRecipientKey(encrypting.Public, minRSABits); err != nil {
		return nil, err
	}
	if !samePublicKey(encrypting.Public, derived) {
		return nil, fmt.Errorf("%w: encrypting public key does not match private key", ErrKeyMaterial)
	}

	vs := make([]ViewingCertificate, 0, len(viewers))
	for i, v := range viewers {
		if err := checkRecipientKey(v.Public, minRSABits); err != nil {
			return nil, fmt.Errorf("viewing certificate %d: %w", i, err)
		}
		vs = append(vs, v)
	}

	return &KeyMaterial{signing: signing, encrypting: encrypting, viewers: vs}, nil
}

// Signing returns the signing key pair.
func (k *KeyMaterial) Signing() SigningKeyPair { return k.signing }

// Encrypting returns the encrypting key pair.
func (k *KeyMaterial) Encrypting() EncryptingKeyPair { return k.encrypting }

// Viewers returns a copy of the viewing certificates.
func (k *KeyMaterial) Viewers() []ViewingCertificate {
	return append([]ViewingCertificate(nil), k.viewers...)
}

// Recipients lists every public key a new log's content key is wrapped for:
// the encrypting key first, then each viewing certificate.
func (k *KeyMaterial) Recipients() []crypto.PublicKey {
	out := []crypto.PublicKey{k.encrypting.Public}
	for _, v := range k.viewers {
		out = append(out, v.Public)
	}
	return out
}

// ContentKey is the per-log symmetric secret plus its PBKDF2 parameters.
// All three are wrapped together in every envelope.
type ContentKey struct {
	Key        []byte
	Salt       []byte
	Iterations uint32
}

// DefaultPBKDF2Iterations is used when a new log is created without an
// explicit iteration count.
const DefaultPBKDF2Iterations = 100_000

const (
	contentKeySize  = 32
	contentSaltSize = 16
)

// NewContentKey draws fresh key bytes and salt from r (crypto/rand when nil).
func NewContentKey(r io.Reader, iterations uint32) (ContentKey, error) {
	if r == nil {
		r = rand.Reader
	}
	if iterations == 0 {
		iterations = DefaultPBKDF2Iterations
	}
	ck := ContentKey{
		Key:        make([]byte, contentKeySize),
		Salt:       make([]byte, contentSaltSize),
		Iterations: iterations,
	}
	if _, err := io.ReadFull(r, ck.Key); err != nil {
		return ContentKey{}, fmt.Errorf("generate content key: %w", err)
	}
	if _, err := io.ReadFull(r, ck.Salt); err != nil {
		return ContentKey{}, fmt.Errorf("generate salt: %w", err)
	}
	return ck, nil
}

// RecipientID is the SHA-256 of the PKIX encoding of a recipient public key.
type RecipientID [sha256.Size]byte

func (id RecipientID) String() string { return hex.EncodeToString(id[:]) }

// RecipientIDOf fingerprints pub.
func RecipientIDOf(pub crypto.PublicKey) (RecipientID, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return RecipientID{}, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return sha256.Sum256(der), nil
}

func checkSigningKey(pub crypto.PublicKey, minRSABits int) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < minRSABits {
			return fmt.Errorf("%w: RSA signing key has %d bits, need %d", ErrKeyMaterial, k.N.BitLen(), minRSABits)
		}
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256(), elliptic.P384(), elliptic.P521():
		default:
			return fmt.Errorf("%w: ECDSA curve %s", ErrKeyMaterial, k.Curve.Params().Name)
		}
	case ed25519.PublicKey:
		if len(k) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: Ed25519 key length %d", ErrKeyMaterial, len(k))
		}
	default:
		return fmt.Errorf("%w: signing key type %T", ErrKeyMaterial, pub)
	}
	return nil
}

func checkRecipientKey(pub crypto.PublicKey, minRSABits int) error {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < minRSABits {
			return fmt.Errorf("%w: RSA key has %d bits, need %d", ErrKeyMaterial, k.N.BitLen(), minRSABits)
		}
	case *ecdh.PublicKey:
		if k.Curve() != ecdh.X25519() {
			return fmt.Errorf("%w: ECDH curve %v", ErrKeyMaterial, k.Curve())
		}
	case nil:
		return fmt.Errorf("%w: recipient public key missing", ErrKeyMaterial)
	default:
		return fmt.Errorf("%w: recipient key type %T", ErrKeyMaterial, pub)
	}
	return nil
}

// publicOf returns the public half of an encrypting private key.
func publicOf(priv crypto.PrivateKey) (crypto.PublicKey, error) {
	switch k := priv.(type) {
	case *ecdh.PrivateKey:
		return k.PublicKey(), nil
	case crypto.Decrypter:
		return k.Public(), nil
	}
	return nil, fmt.Errorf("%w: encrypting key type %T", ErrKeyMaterial, priv)
}

func samePublicKey(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}
