// Package keystore loads tamperlog key material from PKCS#12 stores and PEM
// files.
//
// PKCS#12 stores (.p12, .pfx) are read with golang.org/x/crypto/pkcs12, which
// handles the legacy SHA-1/3DES encryption most tools still emit and a
// single password for both the store and its keys. Entries are selected by
// alias (the friendlyName attribute). Ed25519 and X25519 keys cannot be held
// in such stores; use PKCS#8 PEM files for them.
package keystore

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/karasz/tamperlog"
	"golang.org/x/crypto/pkcs12"
)

// ErrBadPassword is returned when neither password opens a PKCS#12 store.
var ErrBadPassword = errors.New("keystore: wrong password")

// ErrAliasNotFound is returned when no entry carries the requested alias.
var ErrAliasNotFound = errors.New("keystore: alias not found")

// ErrNoPrivateKey is returned when a file holds no usable private key.
var ErrNoPrivateKey = errors.New("keystore: no private key")

// Store locates one private key entry.
type Store struct {
	Path          string
	Alias         string // PKCS#12 friendlyName; empty selects the first key
	StorePassword string
	KeyPassword   string // tried when StorePassword fails
}

// Entry is a private key and the certificate stored with it, if any.
type Entry struct {
	Key         crypto.PrivateKey
	Certificate *x509.Certificate
}

// LoadPrivateKey reads the key entry described by s.
func LoadPrivateKey(s Store) (Entry, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Entry{}, fmt.Errorf("read keystore: %w", err)
	}
	if isPKCS12(s.Path) {
		return loadPKCS12(data, s)
	}
	return loadPEM(data)
}

func isPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	}
	return false
}

func loadPKCS12(data []byte, s Store) (Entry, error) {
	blocks, err := pkcs12.ToPEM(data, s.StorePassword)
	if errors.Is(err, pkcs12.ErrIncorrectPassword) && s.KeyPassword != "" && s.KeyPassword != s.StorePassword {
		blocks, err = pkcs12.ToPEM(data, s.KeyPassword)
	}
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return Entry{}, fmt.Errorf("%w: %s", ErrBadPassword, s.Path)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("decode %s: %w", s.Path, err)
	}

	var keyBlock *pem.Block
	for _, b := range blocks {
		if b.Type != "PRIVATE KEY" {
			continue
		}
		if s.Alias == "" || strings.EqualFold(b.Headers["friendlyName"], s.Alias) {
			keyBlock = b
			break
		}
	}
	if keyBlock == nil {
		if s.Alias == "" {
			return Entry{}, fmt.Errorf("%w in %s", ErrNoPrivateKey, s.Path)
		}
		return Entry{}, fmt.Errorf("%w: %q in %s", ErrAliasNotFound, s.Alias, s.Path)
	}
	key, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{Key: key}
	localID := keyBlock.Headers["localKeyId"]
	for _, b := range blocks {
		if b.Type != "CERTIFICATE" {
			continue
		}
		if localID != "" && b.Headers["localKeyId"] != localID {
			continue
		}
		cert, err := x509.ParseCertificate(b.Bytes)
		if err != nil {
			return Entry{}, fmt.Errorf("parse certificate: %w", err)
		}
		e.Certificate = cert
		break
	}
	return e, nil
}

// parsePrivateKey accepts the DER encodings pkcs12.ToPEM and openssl emit:
// PKCS#1 RSA, SEC 1 EC and PKCS#8.
func parsePrivateKey(der []byte) (crypto.PrivateKey, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: unrecognized key encoding", ErrNoPrivateKey)
	}
	return k, nil
}

func loadPEM(data []byte) (Entry, error) {
	var e Entry
	for {
		var b *pem.Block
		b, data = pem.Decode(data)
		if b == nil {
			break
		}
		switch b.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			if e.Key != nil {
				continue
			}
			k, err := parsePrivateKey(b.Bytes)
			if err != nil {
				return Entry{}, err
			}
			e.Key = k
		case "CERTIFICATE":
			if e.Certificate != nil {
				continue
			}
			cert, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return Entry{}, fmt.Errorf("parse certificate: %w", err)
			}
			e.Certificate = cert
		}
	}
	if e.Key == nil {
		return Entry{}, ErrNoPrivateKey
	}
	return e, nil
}

// LoadSigningKeyPair loads a signing key. hash is the digest recorded in new
// logs and used for checkpoint signatures.
func LoadSigningKeyPair(s Store, hash tamperlog.HashAlgorithm) (tamperlog.SigningKeyPair, error) {
	e, err := LoadPrivateKey(s)
	if err != nil {
		return tamperlog.SigningKeyPair{}, err
	}
	signer, ok := e.Key.(crypto.Signer)
	if !ok {
		return tamperlog.SigningKeyPair{}, fmt.Errorf("%w: %T cannot sign", tamperlog.ErrKeyMaterial, e.Key)
	}
	switch signer.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
	default:
		return tamperlog.SigningKeyPair{}, fmt.Errorf("%w: signing key type %T", tamperlog.ErrKeyMaterial, e.Key)
	}
	return tamperlog.SigningKeyPair{Private: signer, Public: signer.Public(), Hash: hash}, nil
}

// LoadEncryptingKeyPair loads an RSA or X25519 encrypting key.
func LoadEncryptingKeyPair(s Store) (tamperlog.EncryptingKeyPair, error) {
	e, err := LoadPrivateKey(s)
	if err != nil {
		return tamperlog.EncryptingKeyPair{}, err
	}
	switch k := e.Key.(type) {
	case *rsa.PrivateKey:
		return tamperlog.EncryptingKeyPair{Private: k, Public: &k.PublicKey}, nil
	case *ecdh.PrivateKey:
		return tamperlog.EncryptingKeyPair{Private: k, Public: k.PublicKey()}, nil
	}
	return tamperlog.EncryptingKeyPair{}, fmt.Errorf("%w: encrypting key type %T", tamperlog.ErrKeyMaterial, e.Key)
}

// LoadViewingCertificate reads an X.509 certificate (PEM or DER) or a PEM
// public key.
func LoadViewingCertificate(path string) (tamperlog.ViewingCertificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tamperlog.ViewingCertificate{}, fmt.Errorf("read viewing certificate: %w", err)
	}
	b, _ := pem.Decode(data)
	if b == nil {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return tamperlog.ViewingCertificate{}, fmt.Errorf("parse viewing certificate: %w", err)
		}
		return tamperlog.ViewingCertificateFromX509(cert), nil
	}
	switch b.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(b.Bytes)
		if err != nil {
			return tamperlog.ViewingCertificate{}, fmt.Errorf("parse viewing certificate: %w", err)
		}
		return tamperlog.ViewingCertificateFromX509(cert), nil
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(b.Bytes)
		if err != nil {
			return tamperlog.ViewingCertificate{}, fmt.Errorf("parse viewing key: %w", err)
		}
		return tamperlog.ViewingCertificate{Public: pub}, nil
	}
	return tamperlog.ViewingCertificate{}, fmt.Errorf("unexpected PEM block %q in %s", b.Type, path)
}
