package tamperlog

import "errors"

// ErrKeyMaterial is returned when a supplied key pair uses an unsupported
// algorithm or is smaller than the configured minimum.
var ErrKeyMaterial = errors.New("unsupported or weak key material")

// ErrKeyMismatch indicates a private key could not open a wrapped content key.
var ErrKeyMismatch = errors.New("private key does not match envelope")

// ErrAccessDenied is returned when none of the held private keys can unwrap
// any envelope in the log header.
var ErrAccessDenied = errors.New("no held key can unwrap the content key")

// ErrTamperDetected reports that the log does not replay to its signed
// checkpoints or disagrees with the trusted reference. The log must not be
// appended to.
var ErrTamperDetected = errors.New("tamper detected")

// ErrMalformedRecord indicates a structurally invalid header or record.
var ErrMalformedRecord = errors.New("malformed record")

// ErrAppend wraps any I/O failure while durably appending a record.
var ErrAppend = errors.New("append failed")

// ErrMessageTooLarge is returned, together with ErrAppend, for a message
// longer than MaxMessageSize. Nothing is written.
var ErrMessageTooLarge = errors.New("message too large")

// ErrReferenceUpdate is returned by CloseLog when the checkpoint reached the
// log file but the trusted reference could not be updated.
var ErrReferenceUpdate = errors.New("trusted reference update failed")

// ErrLogClosed is returned when writing to a logger that has been closed.
var ErrLogClosed = errors.New("log has been closed")

// ErrNotOpen is returned when an operation requires the Open state.
var ErrNotOpen = errors.New("log is not open")

// ErrLogLocked is returned when another logger holds the log's lock file.
var ErrLogLocked = errors.New("log is locked by another writer")

// ErrInvalidName rejects log names that are not plain file name stems.
var ErrInvalidName = errors.New("invalid log name")
