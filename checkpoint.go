package tamperlog

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Checkpoint is a signed snapshot of {sequence, runningHash} written at
// close, both as the final record of a session and to the trusted
// reference.
type Checkpoint struct {
	LogID       uuid.UUID
	Sequence    uint64
	RunningHash []byte
	Timestamp   int64 // unix nanos
	Signature   []byte
}

// State returns the chain state the checkpoint seals.
func (c Checkpoint) State() ChainState {
	return ChainState{Sequence: c.Sequence, RunningHash: c.RunningHash}
}

// Time returns the checkpoint timestamp.
func (c Checkpoint) Time() time.Time { return time.Unix(0, c.Timestamp) }

// Same reports whether c and o are the same checkpoint of the same log.
// Sessions that log nothing seal identical chain states, so the timestamp
// takes part in the comparison.
func (c Checkpoint) Same(o Checkpoint) bool {
	return c.LogID == o.LogID && c.Timestamp == o.Timestamp && c.State().Equal(o.State())
}

// Record returns the checkpoint record appended to the primary file.
func (c Checkpoint) Record() Record {
	return Record{
		Sequence:   c.Sequence,
		Timestamp:  c.Timestamp,
		Ciphertext: []byte{},
		ChainHash:  bytes.Clone(c.RunningHash),
		Signature:  bytes.Clone(c.Signature),
	}
}

// checkpointFromRecord rebuilds the checkpoint a record carries.
func checkpointFromRecord(logID uuid.UUID, r Record) Checkpoint {
	return Checkpoint{
		LogID:       logID,
		Sequence:    r.Sequence,
		RunningHash: r.ChainHash,
		Timestamp:   r.Timestamp,
		Signature:   r.Signature,
	}
}

var checkpointLabel = []byte("tamperlog/checkpoint/v1")

// signedMessage is the byte string covered by the checkpoint signature.
func (c Checkpoint) signedMessage() []byte {
	m := make([]byte, 0, len(checkpointLabel)+16+8+1+len(c.RunningHash)+8)
	m = append(m, checkpointLabel...)
	m = append(m, c.LogID[:]...)
	m = binary.BigEndian.AppendUint64(m, c.Sequence)
	m = append(m, byte(len(c.RunningHash)))
	m = append(m, c.RunningHash...)
	return binary.BigEndian.AppendUint64(m, uint64(c.Timestamp))
}

// SignCheckpoint fills c.Signature using the signing private key. alg is the
// log's digest: RSA keys sign with PSS, ECDSA keys sign the digest, Ed25519
// keys sign the message directly.
func SignCheckpoint(c Checkpoint, sk SigningKeyPair, alg HashAlgorithm, r io.Reader) (Checkpoint, error) {
	if r == nil {
		r = rand.Reader
	}
	msg := c.signedMessage()
	var (
		sig []byte
		err error
	)
	switch sk.Public.(type) {
	case ed25519.PublicKey:
		sig, err = sk.Private.Sign(r, msg, crypto.Hash(0))
	case *rsa.PublicKey:
		sig, err = sk.Private.Sign(r, alg.Sum(msg), &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       alg.CryptoHash(),
		})
	case *ecdsa.PublicKey:
		sig, err = sk.Private.Sign(r, alg.Sum(msg), alg.CryptoHash())
	default:
		return c, fmt.Errorf("%w: signing key type %T", ErrKeyMaterial, sk.Public)
	}
	if err != nil {
		return c, fmt.Errorf("sign checkpoint: %w", err)
	}
	c.Signature = sig
	return c, nil
}

var errBadSignature = errors.New("bad checkpoint signature")

// VerifyCheckpoint checks c.Signature against the signing public key.
func VerifyCheckpoint(c Checkpoint, pub crypto.PublicKey, alg HashAlgorithm) error {
	if len(c.Signature) == 0 {
		return errBadSignature
	}
	msg := c.signedMessage()
	ok := false
	switch k := pub.(type) {
	case ed25519.PublicKey:
		ok = len(k) == ed25519.PublicKeySize && ed25519.Verify(k, msg, c.Signature)
	case *rsa.PublicKey:
		ok = rsa.VerifyPSS(k, alg.CryptoHash(), alg.Sum(msg), c.Signature, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
			Hash:       alg.CryptoHash(),
		}) == nil
	case *ecdsa.PublicKey:
		ok = ecdsa.VerifyASN1(k, alg.Sum(msg), c.Signature)
	default:
		return fmt.Errorf("%w: verifying key type %T", ErrKeyMaterial, pub)
	}
	if !ok {
		return errBadSignature
	}
	return nil
}

// Checkpoint field numbers (protobuf wire format).
const (
	cpLogID     protowire.Number = 1
	cpSequence  protowire.Number = 2
	cpHash      protowire.Number = 3
	cpTimestamp protowire.Number = 4
	cpSignature protowire.Number = 5
)

// EncodeCheckpoint serializes c for a ReferenceStore.
func EncodeCheckpoint(c Checkpoint) []byte {
	var b []byte
	b = protowire.AppendTag(b, cpLogID, protowire.BytesType)
	b = protowire.AppendBytes(b, c.LogID[:])
	b = protowire.AppendTag(b, cpSequence, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, c.Sequence)
	b = protowire.AppendTag(b, cpHash, protowire.BytesType)
	b = protowire.AppendBytes(b, c.RunningHash)
	b = protowire.AppendTag(b, cpTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(c.Timestamp))
	b = protowire.AppendTag(b, cpSignature, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Signature)
	return b
}

// DecodeCheckpoint is the strict inverse of EncodeCheckpoint.
func DecodeCheckpoint(b []byte) (Checkpoint, error) {
	var (
		c    Checkpoint
		seen = map[protowire.Number]bool{}
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if seen[num] {
			return fmt.Errorf("duplicate field %d", num)
		}
		seen[num] = true
		switch num {
		case cpLogID:
			if typ != protowire.BytesType || len(v.bytes) != len(c.LogID) {
				return errors.New("bad log id")
			}
			copy(c.LogID[:], v.bytes)
		case cpSequence:
			if typ != protowire.Fixed64Type {
				return errWireType(num)
			}
			c.Sequence = v.fixed64
		case cpHash:
			if typ != protowire.BytesType || len(v.bytes) == 0 || len(v.bytes) > maxChainHashSize {
				return errors.New("bad running hash")
			}
			c.RunningHash = bytes.Clone(v.bytes)
		case cpTimestamp:
			if typ != protowire.Fixed64Type {
				return errWireType(num)
			}
			c.Timestamp = int64(v.fixed64)
		case cpSignature:
			if typ != protowire.BytesType || len(v.bytes) == 0 {
				return errors.New("missing signature")
			}
			c.Signature = bytes.Clone(v.bytes)
		default:
			return fmt.Errorf("unknown field %d", num)
		}
		return nil
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint: %v", ErrMalformedRecord, err)
	}
	if len(seen) != 5 {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint: incomplete", ErrMalformedRecord)
	}
	return c, nil
}
