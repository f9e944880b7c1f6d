package tamperlog

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"time"
)

// Entry is one decrypted message.
type Entry struct {
	Sequence  uint64
	Timestamp time.Time
	Message   []byte
}

// LogView is the decrypted content of a primary log file.
type LogView struct {
	Header  Header
	Entries []Entry
	Report  *Report
}

// ReadLog verifies primary and decrypts every message with key, which may be
// the log's encrypting private key or any viewing certificate's private key.
// The chain is always replayed; checkpoint signatures are checked when
// signingPub is non-nil. The trusted reference is not consulted, use Audit
// for that.
func ReadLog(primary []byte, key crypto.PrivateKey, signingPub crypto.PublicKey) (*LogView, error) {
	pl, err := ParseLog(primary)
	if err != nil {
		return nil, err
	}
	rep, _, err := replayParsed(pl, signingPub)
	if err != nil {
		return nil, err
	}
	return decryptLog(pl, rep, key)
}

// ReadLogFile is ReadLog on the file at path.
func ReadLogFile(path string, key crypto.PrivateKey, signingPub crypto.PublicKey) (*LogView, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	return ReadLog(data, key, signingPub)
}

// Decrypt returns the messages of an audited log.
func (r *Report) Decrypt(key crypto.PrivateKey) (*LogView, error) {
	if r.log == nil {
		return nil, errors.New("report carries no records")
	}
	return decryptLog(r.log, r, key)
}

func decryptLog(pl *ParsedLog, rep *Report, key crypto.PrivateKey) (*LogView, error) {
	ck, err := unwrapAny(pl.Header.Envelopes, key)
	if err != nil {
		return nil, err
	}
	pc, err := NewPayloadCipher(ck, pl.Header.Cipher)
	if err != nil {
		return nil, err
	}
	view := &LogView{Header: pl.Header, Report: rep}
	for _, rec := range pl.Records {
		if rec.IsCheckpoint() {
			continue
		}
		msg, err := pc.DecryptPayload(rec.Ciphertext, payloadAAD(pl.Header.LogID, rec.Sequence))
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", rec.Sequence, err)
		}
		view.Entries = append(view.Entries, Entry{
			Sequence:  rec.Sequence,
			Timestamp: time.Unix(0, rec.Timestamp),
			Message:   msg,
		})
	}
	return view, nil
}
