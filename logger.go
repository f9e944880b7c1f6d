package tamperlog

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// State is the lifecycle position of a SecureLogger.
type State int

// Logger states.
const (
	StateUnopened State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Options configures Open.
type Options struct {
	Name       string         // log name; primary file is {LogDir}/{Name}.log
	LogDir     string         // directory of the primary file
	TrustedDir string         // used for a DirReference when Reference is nil
	Reference  ReferenceStore // trusted location for checkpoints
	Keys       *KeyMaterial

	// The following apply only when a new log is created; an existing log
	// keeps the algorithms recorded in its header.
	Hash       HashAlgorithm // default: Keys.Signing().Hash
	Cipher     CipherSuite   // default: AES256GCM
	Iterations uint32        // PBKDF2 iterations, default DefaultPBKDF2Iterations

	Clock   func() time.Time // default time.Now
	Rand    io.Reader        // default crypto/rand
	Logger  *slog.Logger     // default discards
	Metrics *Metrics         // optional
}

// Ack describes a record that reached stable storage.
type Ack struct {
	Sequence  uint64
	Timestamp time.Time
	ChainHash []byte
	Signature []byte // set only for the checkpoint returned by CloseLog
}

// SecureLogger appends encrypted, hash-chained records to one log and seals
// each session with a signed checkpoint. It is safe for concurrent use; a
// log has at most one writer at a time, enforced by a lock file.
type SecureLogger struct {
	mu      sync.Mutex
	name    string
	state   State
	keys    *KeyMaterial
	ref     ReferenceStore
	clock   func() time.Time
	rand    io.Reader
	log     *slog.Logger
	metrics *Metrics

	header  Header
	payload *PayloadCipher
	chain   ChainState
	file    *logFile
	lock    *flock.Flock
	report  *Report
	closed  *Ack
}

// Open opens or creates the named log. An existing log is fully replayed
// and reconciled with the trusted reference before any append is allowed;
// a log that fails this check is never written to.
func Open(opts Options) (*SecureLogger, error) {
	if err := ValidateName(opts.Name); err != nil {
		return nil, err
	}
	if opts.Keys == nil {
		return nil, fmt.Errorf("%w: no key material", ErrKeyMaterial)
	}
	l := &SecureLogger{
		name:    opts.Name,
		state:   StateOpening,
		keys:    opts.Keys,
		ref:     opts.Reference,
		clock:   opts.Clock,
		rand:    opts.Rand,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	if l.rand == nil {
		l.rand = rand.Reader
	}
	if l.log == nil {
		l.log = discardLogger()
	}
	l.log = l.log.With("log", opts.Name)

	if l.ref == nil {
		if opts.TrustedDir == "" {
			return nil, errors.New("no trusted reference configured")
		}
		dr, err := NewDirReference(opts.TrustedDir)
		if err != nil {
			return nil, err
		}
		l.ref = dr
	}
	if err := os.MkdirAll(opts.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(opts.LogDir, opts.Name+logExt)
	lock, err := lockLog(path)
	if err != nil {
		return nil, err
	}
	l.lock = lock
	if err := l.open(path, opts); err != nil {
		_ = lock.Unlock()
		if errors.Is(err, ErrTamperDetected) {
			l.metrics.tamperDetected()
			l.log.Error("tamper detected, log not opened", "path", path, "err", err)
		}
		return nil, err
	}
	l.state = StateOpen
	return l, nil
}

func (l *SecureLogger) open(path string, opts Options) error {
	ref, haveRef, err := l.ref.Load(l.name)
	if err != nil {
		return fmt.Errorf("load trusted reference: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if haveRef {
			return fmt.Errorf("%w: primary log %s missing but trusted reference exists at sequence %d", ErrTamperDetected, path, ref.Sequence)
		}
		return l.create(path, opts)
	case err != nil:
		return fmt.Errorf("read log file: %w", err)
	}

	pl, err := ParseLog(data)
	if err != nil {
		return err
	}
	var refp *Checkpoint
	if haveRef {
		refp = &ref
	}
	rep, err := auditParsed(pl, refp, l.keys.Signing().Public)
	if err != nil {
		return err
	}
	ck, err := unwrapAny(pl.Header.Envelopes, l.keys.Encrypting().Private)
	if err != nil {
		return err
	}
	pc, err := NewPayloadCipher(ck, pl.Header.Cipher)
	if err != nil {
		return err
	}
	pc.rand = l.rand
	if err := checkUnsealed(pl, rep.Unsealed, pc); err != nil {
		return err
	}

	if rep.Recover != nil {
		l.log.Warn("trusted reference lags primary log, rewriting",
			"ref_seq", refSeq(refp), "checkpoint_seq", rep.Recover.Sequence)
		if err := l.ref.Save(l.name, *rep.Recover); err != nil {
			return fmt.Errorf("%w: %v", ErrReferenceUpdate, err)
		}
		l.metrics.recovered()
	}
	if rep.Unsealed > 0 {
		l.log.Warn("previous session ended without close", "unsealed_records", rep.Unsealed)
	}

	f, err := openLogFile(path, pl.Size)
	if err != nil {
		return err
	}
	l.header = pl.Header
	l.payload = pc
	l.chain = rep.State
	l.file = f
	l.report = rep
	l.log.Info("log opened", "path", path, "seq", rep.State.Sequence, "checkpoints", rep.Checkpoints)
	return nil
}

// checkUnsealed authenticates the last n records under the content key.
// They are covered by no checkpoint signature and the chain hash is unkeyed,
// so a record forged there would otherwise be sealed by the next close.
func checkUnsealed(pl *ParsedLog, n int, pc *PayloadCipher) error {
	for _, rec := range pl.Records[len(pl.Records)-n:] {
		if _, err := pc.DecryptPayload(rec.Ciphertext, payloadAAD(pl.Header.LogID, rec.Sequence)); err != nil {
			return fmt.Errorf("%w: unsealed record %d: %v", ErrTamperDetected, rec.Sequence, err)
		}
	}
	return nil
}

func refSeq(c *Checkpoint) any {
	if c == nil {
		return "none"
	}
	return c.Sequence
}

func (l *SecureLogger) create(path string, opts Options) error {
	alg := opts.Hash
	if alg == HashUnknown {
		alg = l.keys.Signing().Hash
	}
	if !alg.Valid() {
		return fmt.Errorf("unsupported hash algorithm %v", alg)
	}
	suite := opts.Cipher
	if suite == CipherUnknown {
		suite = AES256GCM
	}
	if !suite.Valid() {
		return fmt.Errorf("unsupported cipher suite %v", suite)
	}

	ck, err := NewContentKey(l.rand, opts.Iterations)
	if err != nil {
		return err
	}
	id, err := uuid.NewRandomFromReader(l.rand)
	if err != nil {
		return fmt.Errorf("generate log id: %w", err)
	}
	h := Header{
		Version: headerVersion,
		LogID:   id,
		Hash:    alg,
		Cipher:  suite,
		Created: l.clock().UTC(),
	}
	for _, pub := range l.keys.Recipients() {
		env, err := WrapContentKey(ck, pub, l.rand)
		if err != nil {
			return err
		}
		h.Envelopes = append(h.Envelopes, env)
	}
	hb := EncodeHeader(h)
	pc, err := NewPayloadCipher(ck, suite)
	if err != nil {
		return err
	}
	pc.rand = l.rand

	if err := createLogFile(path, hb); err != nil {
		return err
	}
	f, err := openLogFile(path, int64(len(encodeFilePreamble(hb))))
	if err != nil {
		return err
	}
	// Round-trip through the decoder so the in-memory header matches what a
	// later Open will read.
	h, err = DecodeHeader(hb)
	if err != nil {
		_ = f.close()
		return err
	}
	l.header = h
	l.payload = pc
	l.chain = Seed(alg, hb)
	l.file = f
	l.report = &Report{Header: h, State: l.chain}
	l.log.Info("log created", "path", path, "log_id", id, "hash", alg, "cipher", suite, "recipients", len(h.Envelopes))
	return nil
}

// Name returns the log name.
func (l *SecureLogger) Name() string { return l.name }

// Header returns the decoded header of the open log.
func (l *SecureLogger) Header() Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.header
}

// State returns the current lifecycle state.
func (l *SecureLogger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// OpenReport returns the audit performed when the log was opened.
func (l *SecureLogger) OpenReport() *Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.report
}

// LastState returns the current chain state.
func (l *SecureLogger) LastState() ChainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ChainState{Sequence: l.chain.Sequence, RunningHash: bytes.Clone(l.chain.RunningHash)}
}

func (l *SecureLogger) requireOpen() error {
	switch l.state {
	case StateOpen:
		return nil
	case StateClosed:
		return ErrLogClosed
	}
	return fmt.Errorf("%w: state %v", ErrNotOpen, l.state)
}

// LogMessage encrypts msg, chains it and appends it durably. When it
// returns an error nothing was added: the sequence number is reused by the
// next successful call.
func (l *SecureLogger) LogMessage(msg []byte) (Ack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.requireOpen(); err != nil {
		return Ack{}, err
	}

	if len(msg) > MaxMessageSize {
		return Ack{}, fmt.Errorf("%w: %w: %d bytes exceeds %d", ErrAppend, ErrMessageTooLarge, len(msg), MaxMessageSize)
	}

	seq := l.chain.Sequence + 1
	ts := l.clock()
	ct, err := l.payload.EncryptPayload(msg, payloadAAD(l.header.LogID, seq))
	if err != nil {
		return Ack{}, err
	}
	rec := Record{Sequence: seq, Timestamp: ts.UnixNano(), Ciphertext: ct}
	next := Advance(l.header.Hash, l.chain, rec)
	rec.ChainHash = next.RunningHash
	frame, err := EncodeRecord(rec)
	if err != nil {
		return Ack{}, err
	}
	if err := l.file.append(frame); err != nil {
		l.metrics.appendFailed()
		l.log.Error("append failed", "seq", seq, "err", err)
		return Ack{}, err
	}
	l.chain = next
	l.metrics.appended(len(frame))
	return Ack{Sequence: seq, Timestamp: time.Unix(0, rec.Timestamp), ChainHash: bytes.Clone(next.RunningHash)}, nil
}

// CloseLog signs the chain state, appends the checkpoint to the log, saves
// it to the trusted reference and releases the lock. If the checkpoint
// cannot be appended the logger stays open and CloseLog may be retried. If
// only the reference update fails the log is closed and the error wraps
// ErrReferenceUpdate; the next Open repairs the reference. Calling CloseLog
// on a closed logger returns the original acknowledgement.
func (l *SecureLogger) CloseLog() (Ack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed && l.closed != nil {
		return *l.closed, nil
	}
	if err := l.requireOpen(); err != nil {
		return Ack{}, err
	}
	l.state = StateClosing

	cp := Checkpoint{
		LogID:       l.header.LogID,
		Sequence:    l.chain.Sequence,
		RunningHash: bytes.Clone(l.chain.RunningHash),
		Timestamp:   l.clock().UnixNano(),
	}
	cp, err := SignCheckpoint(cp, l.keys.Signing(), l.header.Hash, l.rand)
	if err != nil {
		l.state = StateOpen
		return Ack{}, err
	}
	frame, err := EncodeRecord(cp.Record())
	if err != nil {
		l.state = StateOpen
		return Ack{}, err
	}
	if err := l.file.append(frame); err != nil {
		l.state = StateOpen
		l.metrics.appendFailed()
		l.log.Error("checkpoint append failed", "seq", cp.Sequence, "err", err)
		return Ack{}, err
	}
	l.metrics.checkpointed()

	ack := Ack{
		Sequence:  cp.Sequence,
		Timestamp: cp.Time(),
		ChainHash: cp.RunningHash,
		Signature: cp.Signature,
	}
	refErr := l.ref.Save(l.name, cp)

	if err := l.file.close(); err != nil {
		l.log.Warn("close log file", "err", err)
	}
	if err := l.lock.Unlock(); err != nil {
		l.log.Warn("release log lock", "err", err)
	}
	l.state = StateClosed
	l.closed = &ack

	if refErr != nil {
		l.log.Error("trusted reference update failed", "seq", cp.Sequence, "err", refErr)
		return ack, fmt.Errorf("%w: %v", ErrReferenceUpdate, refErr)
	}
	l.log.Info("log closed", "seq", cp.Sequence)
	return ack, nil
}
