package tamperlog

import (
	"crypto"
	"crypto/sha1" //nolint:gosec // SHA-1 is a supported legacy chain digest
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// HashAlgorithm identifies the digest used for the running hash and for
// checkpoint signatures. It is fixed when a log is created and recorded in
// the header.
type HashAlgorithm uint8

// Supported digests. Values are persisted; never renumber.
const (
	HashUnknown HashAlgorithm = iota
	SHA1
	SHA256
	SHA384
	SHA512
	SHA3_256
	BLAKE2b_256
)

var hashNames = map[HashAlgorithm]string{
	SHA1:        "SHA1",
	SHA256:      "SHA256",
	SHA384:      "SHA384",
	SHA512:      "SHA512",
	SHA3_256:    "SHA3-256",
	BLAKE2b_256: "BLAKE2b-256",
}

// ParseHashAlgorithm accepts names such as "SHA1", "sha-256" or "blake2b-256".
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	norm := strings.ToUpper(strings.ReplaceAll(s, "_", "-"))
	for alg, name := range hashNames {
		if norm == strings.ToUpper(name) || norm == strings.ReplaceAll(strings.ToUpper(name), "SHA", "SHA-") {
			return alg, nil
		}
	}
	return HashUnknown, fmt.Errorf("unknown hash algorithm %q", s)
}

func (h HashAlgorithm) String() string {
	if name, ok := hashNames[h]; ok {
		return name
	}
	return fmt.Sprintf("HashAlgorithm(%d)", uint8(h))
}

// Valid reports whether h is one of the supported digests.
func (h HashAlgorithm) Valid() bool {
	_, ok := hashNames[h]
	return ok
}

// New returns a fresh hash.Hash. It panics on an invalid algorithm, which
// callers rule out with Valid when decoding.
func (h HashAlgorithm) New() hash.Hash {
	switch h {
	case SHA1:
		return sha1.New() //nolint:gosec
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	case SHA3_256:
		return sha3.New256()
	case BLAKE2b_256:
		d, _ := blake2b.New256(nil)
		return d
	}
	panic(fmt.Sprintf("tamperlog: invalid hash algorithm %d", uint8(h)))
}

// Size is the digest length in bytes.
func (h HashAlgorithm) Size() int { return h.New().Size() }

// CryptoHash maps h onto the crypto.Hash identifier used by signers.
func (h HashAlgorithm) CryptoHash() crypto.Hash {
	switch h {
	case SHA1:
		return crypto.SHA1
	case SHA256:
		return crypto.SHA256
	case SHA384:
		return crypto.SHA384
	case SHA512:
		return crypto.SHA512
	case SHA3_256:
		return crypto.SHA3_256
	case BLAKE2b_256:
		return crypto.BLAKE2b_256
	}
	return 0
}

// Sum digests the concatenation of chunks.
func (h HashAlgorithm) Sum(chunks ...[]byte) []byte {
	d := h.New()
	for _, c := range chunks {
		_, _ = d.Write(c)
	}
	return d.Sum(nil)
}
