package tamperlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Header is the preamble of a primary log file. Its encoded bytes seed the
// chain, so any edit to it breaks every subsequent record.
type Header struct {
	Version   uint64
	LogID     uuid.UUID
	Hash      HashAlgorithm
	Cipher    CipherSuite
	Created   time.Time
	Envelopes []Envelope
}

const headerVersion = 1

// fileMagic opens every primary log file.
var fileMagic = []byte("TMPRLOG\x01")

const maxHeaderSize = 1 << 20

// Header field numbers (protobuf wire format).
const (
	hdrVersion  protowire.Number = 1
	hdrLogID    protowire.Number = 2
	hdrHash     protowire.Number = 3
	hdrCipher   protowire.Number = 4
	hdrCreated  protowire.Number = 5
	hdrEnvelope protowire.Number = 6

	envRecipient protowire.Number = 1
	envScheme    protowire.Number = 2
	envWrapped   protowire.Number = 3
)

// EncodeHeader serializes h deterministically.
func EncodeHeader(h Header) []byte {
	var b []byte
	b = protowire.AppendTag(b, hdrVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, h.Version)
	b = protowire.AppendTag(b, hdrLogID, protowire.BytesType)
	b = protowire.AppendBytes(b, h.LogID[:])
	b = protowire.AppendTag(b, hdrHash, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Hash))
	b = protowire.AppendTag(b, hdrCipher, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Cipher))
	b = protowire.AppendTag(b, hdrCreated, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, uint64(h.Created.UnixNano()))
	for _, e := range h.Envelopes {
		var eb []byte
		eb = protowire.AppendTag(eb, envRecipient, protowire.BytesType)
		eb = protowire.AppendBytes(eb, e.Recipient[:])
		eb = protowire.AppendTag(eb, envScheme, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(e.Scheme))
		eb = protowire.AppendTag(eb, envWrapped, protowire.BytesType)
		eb = protowire.AppendBytes(eb, e.Wrapped)
		b = protowire.AppendTag(b, hdrEnvelope, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	return b
}

// DecodeHeader parses an encoded header strictly: unknown or repeated
// scalar fields, wrong wire types and missing fields are all rejected.
func DecodeHeader(b []byte) (Header, error) {
	var (
		h    Header
		seen = map[protowire.Number]bool{}
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if num != hdrEnvelope {
			if seen[num] {
				return fmt.Errorf("duplicate field %d", num)
			}
			seen[num] = true
		}
		switch num {
		case hdrVersion:
			if typ != protowire.VarintType {
				return errWireType(num)
			}
			h.Version = v.varint
		case hdrLogID:
			if typ != protowire.BytesType || len(v.bytes) != len(h.LogID) {
				return errors.New("bad log id")
			}
			copy(h.LogID[:], v.bytes)
		case hdrHash:
			if typ != protowire.VarintType || v.varint > 0xff {
				return errWireType(num)
			}
			h.Hash = HashAlgorithm(v.varint)
		case hdrCipher:
			if typ != protowire.VarintType || v.varint > 0xff {
				return errWireType(num)
			}
			h.Cipher = CipherSuite(v.varint)
		case hdrCreated:
			if typ != protowire.Fixed64Type {
				return errWireType(num)
			}
			h.Created = time.Unix(0, int64(v.fixed64)).UTC()
		case hdrEnvelope:
			if typ != protowire.BytesType {
				return errWireType(num)
			}
			e, err := decodeEnvelope(v.bytes)
			if err != nil {
				return fmt.Errorf("envelope %d: %w", len(h.Envelopes), err)
			}
			h.Envelopes = append(h.Envelopes, e)
		default:
			return fmt.Errorf("unknown field %d", num)
		}
		return nil
	})
	if err != nil {
		return Header{}, fmt.Errorf("%w: header: %v", ErrMalformedRecord, err)
	}
	for _, num := range []protowire.Number{hdrVersion, hdrLogID, hdrHash, hdrCipher, hdrCreated} {
		if !seen[num] {
			return Header{}, fmt.Errorf("%w: header: missing field %d", ErrMalformedRecord, num)
		}
	}
	switch {
	case h.Version != headerVersion:
		return Header{}, fmt.Errorf("%w: header version %d", ErrMalformedRecord, h.Version)
	case !h.Hash.Valid():
		return Header{}, fmt.Errorf("%w: hash algorithm %d", ErrMalformedRecord, h.Hash)
	case !h.Cipher.Valid():
		return Header{}, fmt.Errorf("%w: cipher suite %d", ErrMalformedRecord, h.Cipher)
	case len(h.Envelopes) == 0:
		return Header{}, fmt.Errorf("%w: header has no envelopes", ErrMalformedRecord)
	}
	return h, nil
}

func decodeEnvelope(b []byte) (Envelope, error) {
	var (
		e    Envelope
		seen = map[protowire.Number]bool{}
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v fieldValue) error {
		if seen[num] {
			return fmt.Errorf("duplicate field %d", num)
		}
		seen[num] = true
		switch num {
		case envRecipient:
			if typ != protowire.BytesType || len(v.bytes) != len(e.Recipient) {
				return errors.New("bad recipient id")
			}
			copy(e.Recipient[:], v.bytes)
		case envScheme:
			if typ != protowire.VarintType || v.varint > 0xff {
				return errWireType(num)
			}
			e.Scheme = WrapScheme(v.varint)
		case envWrapped:
			if typ != protowire.BytesType || len(v.bytes) == 0 {
				return errors.New("empty wrapped key")
			}
			e.Wrapped = bytes.Clone(v.bytes)
		default:
			return fmt.Errorf("unknown field %d", num)
		}
		return nil
	})
	if err != nil {
		return Envelope{}, err
	}
	if len(seen) != 3 {
		return Envelope{}, errors.New("incomplete envelope")
	}
	return e, nil
}

// fieldValue holds whichever payload the wire type carried.
type fieldValue struct {
	varint  uint64
	fixed64 uint64
	bytes   []byte
}

// walkFields iterates protobuf fields, rejecting group and fixed32 types.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, fieldValue) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var v fieldValue
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v.fixed64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			return fmt.Errorf("field %d: unsupported wire type %d", num, typ)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err := fn(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}

func errWireType(num protowire.Number) error {
	return fmt.Errorf("field %d: wrong wire type", num)
}

// encodeFilePreamble returns magic | [4]len | header.
func encodeFilePreamble(header []byte) []byte {
	out := make([]byte, 0, len(fileMagic)+4+len(header))
	out = append(out, fileMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(header)))
	return append(out, header...)
}

// ParsedLog is the structural decoding of a primary log file.
type ParsedLog struct {
	Header      Header
	HeaderBytes []byte
	Records     []Record
	// Size of the preamble plus all complete records, in bytes.
	Size int64
}

// ParseLog decodes a complete primary log file. It performs no
// cryptographic checks beyond structure and sequence numbering.
func ParseLog(data []byte) (*ParsedLog, error) {
	if len(data) < len(fileMagic)+4 || !bytes.Equal(data[:len(fileMagic)], fileMagic) {
		return nil, fmt.Errorf("%w: not a tamperlog file", ErrMalformedRecord)
	}
	off := len(fileMagic)
	hlen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if hlen == 0 || hlen > maxHeaderSize || hlen > len(data)-off {
		return nil, fmt.Errorf("%w: header length %d", ErrMalformedRecord, hlen)
	}
	hb := data[off : off+hlen]
	h, err := DecodeHeader(hb)
	if err != nil {
		return nil, err
	}
	off += hlen
	recs, err := DecodeRecords(data[off:])
	if err != nil {
		return nil, err
	}
	return &ParsedLog{
		Header:      h,
		HeaderBytes: bytes.Clone(hb),
		Records:     recs,
		Size:        int64(len(data)),
	}, nil
}
