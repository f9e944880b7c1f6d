package tamperlog

import (
	"encoding/binary"
	"fmt"
)

// Record is one entry of the primary log file. Message records carry an
// encrypted payload and advance the chain; checkpoint records carry a
// signature over the chain state at close and repeat the sequence number of
// the last message record.
type Record struct {
	Sequence   uint64
	Timestamp  int64 // unix nanos
	Ciphertext []byte
	ChainHash  []byte
	Signature  []byte // non-nil only on checkpoint records
}

// IsCheckpoint reports whether r carries a signature.
func (r Record) IsCheckpoint() bool { return r.Signature != nil }

// Record body format (version 1), preceded in the file by a [4]byte frame
// length:
//
//	[1]byte: version
//	[8]byte: sequence (uint64)
//	[8]byte: timestamp (int64)
//	[4]byte: ciphertext length (uint32)
//	[n]byte: ciphertext
//	[1]byte: chain hash length
//	[n]byte: chain hash
//	[1]byte: signature flag (0 or 1)
//	[2]byte: signature length (only when flag is 1)
//	[n]byte: signature
const (
	recordVersion   = 1
	frameHeaderSize = 4
	recordFixedSize = 1 + 8 + 8 + 4 + 1 + 1
	// MaxCiphertextSize bounds a single record payload.
	MaxCiphertextSize = 16 << 20
	// MaxMessageSize is the longest plaintext LogMessage accepts; the rest of
	// MaxCiphertextSize is left for the AEAD nonce and tag.
	MaxMessageSize = MaxCiphertextSize - 64
	maxChainHashSize  = 64
	maxSignatureSize  = 1<<16 - 1
	maxFrameSize      = recordFixedSize + MaxCiphertextSize + maxChainHashSize + 2 + maxSignatureSize
)

// chainInput is the portion of a record folded into the running hash: every
// field except the chain hash and signature.
func chainInput(r Record) []byte {
	buf := make([]byte, 0, 1+8+8+4+len(r.Ciphertext))
	buf = append(buf, recordVersion)
	buf = binary.BigEndian.AppendUint64(buf, r.Sequence)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timestamp))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Ciphertext)))
	return append(buf, r.Ciphertext...)
}

// EncodeRecord serializes r including its frame length prefix.
func EncodeRecord(r Record) ([]byte, error) {
	if len(r.Ciphertext) > MaxCiphertextSize {
		return nil, fmt.Errorf("%w: ciphertext of %d bytes exceeds limit", ErrMalformedRecord, len(r.Ciphertext))
	}
	if len(r.ChainHash) == 0 || len(r.ChainHash) > maxChainHashSize {
		return nil, fmt.Errorf("%w: chain hash length %d", ErrMalformedRecord, len(r.ChainHash))
	}
	if len(r.Signature) > maxSignatureSize {
		return nil, fmt.Errorf("%w: signature length %d", ErrMalformedRecord, len(r.Signature))
	}
	if r.Signature != nil && len(r.Ciphertext) != 0 {
		return nil, fmt.Errorf("%w: checkpoint record with payload", ErrMalformedRecord)
	}

	bodyLen := recordFixedSize + len(r.Ciphertext) + len(r.ChainHash)
	if r.Signature != nil {
		bodyLen += 2 + len(r.Signature)
	}
	buf := make([]byte, 0, frameHeaderSize+bodyLen)
	buf = binary.BigEndian.AppendUint32(buf, uint32(bodyLen))
	buf = append(buf, chainInput(r)...)
	buf = append(buf, byte(len(r.ChainHash)))
	buf = append(buf, r.ChainHash...)
	if r.Signature == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(r.Signature)))
		buf = append(buf, r.Signature...)
	}
	return buf, nil
}

// DecodeRecord parses one framed record from the start of data and returns
// it with the number of bytes consumed. Every length is checked; the frame
// must be consumed exactly.
func DecodeRecord(data []byte) (Record, int, error) {
	var r Record
	if len(data) < frameHeaderSize {
		return r, 0, fmt.Errorf("%w: truncated frame header", ErrMalformedRecord)
	}
	n := int(binary.BigEndian.Uint32(data))
	if n < recordFixedSize || n > maxFrameSize {
		return r, 0, fmt.Errorf("%w: frame length %d", ErrMalformedRecord, n)
	}
	if len(data)-frameHeaderSize < n {
		return r, 0, fmt.Errorf("%w: truncated frame (%d of %d bytes)", ErrMalformedRecord, len(data)-frameHeaderSize, n)
	}
	body := data[frameHeaderSize : frameHeaderSize+n]
	d := decoder{buf: body}

	if v := d.u8(); v != recordVersion {
		return r, 0, fmt.Errorf("%w: record version %d", ErrMalformedRecord, v)
	}
	r.Sequence = d.u64()
	r.Timestamp = int64(d.u64())
	ctLen := d.u32()
	if ctLen > MaxCiphertextSize {
		return r, 0, fmt.Errorf("%w: ciphertext length %d", ErrMalformedRecord, ctLen)
	}
	r.Ciphertext = d.bytes(int(ctLen))
	hashLen := d.u8()
	if hashLen == 0 || hashLen > maxChainHashSize {
		return r, 0, fmt.Errorf("%w: chain hash length %d", ErrMalformedRecord, hashLen)
	}
	r.ChainHash = d.bytes(int(hashLen))
	switch flag := d.u8(); flag {
	case 0:
	case 1:
		r.Signature = d.bytes(int(d.u16()))
		if r.Signature == nil {
			r.Signature = []byte{}
		}
		if len(r.Ciphertext) != 0 {
			return r, 0, fmt.Errorf("%w: checkpoint record with payload", ErrMalformedRecord)
		}
	default:
		return r, 0, fmt.Errorf("%w: signature flag %d", ErrMalformedRecord, flag)
	}
	if d.err != nil {
		return r, 0, fmt.Errorf("%w: %v", ErrMalformedRecord, d.err)
	}
	if len(d.buf) != 0 {
		return r, 0, fmt.Errorf("%w: %d trailing bytes in frame", ErrMalformedRecord, len(d.buf))
	}
	return r, frameHeaderSize + n, nil
}

// DecodeRecords parses a record stream. Message records must be numbered
// consecutively from 1; a checkpoint repeats the sequence before it.
func DecodeRecords(data []byte) ([]Record, error) {
	var (
		out  []Record
		prev uint64
		off  int
	)
	for off < len(data) {
		r, n, err := DecodeRecord(data[off:])
		if err != nil {
			return nil, fmt.Errorf("record at offset %d: %w", off, err)
		}
		want := prev + 1
		if r.IsCheckpoint() {
			want = prev
		}
		if r.Sequence != want {
			return nil, fmt.Errorf("%w: sequence %d at offset %d, expected %d", ErrMalformedRecord, r.Sequence, off, want)
		}
		prev = r.Sequence
		out = append(out, r)
		off += n
	}
	return out, nil
}

// decoder reads big-endian fields and remembers the first short read.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = fmt.Errorf("need %d bytes, have %d", n, len(d.buf))
		d.buf = nil
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) bytes(n int) []byte {
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
