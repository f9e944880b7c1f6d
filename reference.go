package tamperlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/gofrs/flock"
)

// ReferenceStore is the trusted location mirroring each log's checkpoints.
// It is read at every open and written only at close. Implementations keep
// an append-only history; Load returns the most recent checkpoint.
type ReferenceStore interface {
	Load(name string) (Checkpoint, bool, error)
	Save(name string, c Checkpoint) error
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateName checks that name can be used as a file name stem.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// DirReference stores checkpoints in {Dir}/{name}.ref as an append-only
// stream of framed entries:
//
//	[4]byte: entry length (uint32)
//	[n]byte: checkpoint (protobuf wire format)
type DirReference struct {
	Dir string
	mu  sync.Mutex
}

const referenceExt = ".ref"

// NewDirReference creates dir if needed.
func NewDirReference(dir string) (*DirReference, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create trusted directory: %w", err)
	}
	return &DirReference{Dir: dir}, nil
}

// Path returns the reference file for name.
func (d *DirReference) Path(name string) string {
	return filepath.Join(d.Dir, name+referenceExt)
}

// Load returns the last checkpoint recorded for name.
func (d *DirReference) Load(name string) (Checkpoint, bool, error) {
	hist, err := d.History(name)
	if err != nil || len(hist) == 0 {
		return Checkpoint{}, false, err
	}
	return hist[len(hist)-1], true, nil
}

// History returns every checkpoint recorded for name, oldest first.
func (d *DirReference) History(name string) ([]Checkpoint, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reference: %w", err)
	}
	return DecodeReferenceFile(data)
}

// Save appends c and syncs the file. The file is locked for the duration of
// the write so two processes sharing a trusted directory cannot interleave.
func (d *DirReference) Save(name string, c Checkpoint) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.Path(name)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock reference: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open reference: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(encodeReferenceEntry(c)); err != nil {
		return fmt.Errorf("write reference: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync reference: %w", err)
	}
	return nil
}

func encodeReferenceEntry(c Checkpoint) []byte {
	body := EncodeCheckpoint(c)
	out := make([]byte, 0, 4+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// DecodeReferenceFile parses the contents of a DirReference file.
func DecodeReferenceFile(data []byte) ([]Checkpoint, error) {
	var out []Checkpoint
	for off := 0; off < len(data); {
		if len(data)-off < 4 {
			return nil, fmt.Errorf("%w: truncated reference entry at %d", ErrMalformedRecord, off)
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if n == 0 || n > len(data)-off {
			return nil, fmt.Errorf("%w: reference entry length %d at %d", ErrMalformedRecord, n, off-4)
		}
		c, err := DecodeCheckpoint(data[off : off+n])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		off += n
	}
	return out, nil
}

// memoryReference is an in-process ReferenceStore used by the server tests
// and as the ReferenceServer default.
type memoryReference struct {
	mu   sync.Mutex
	hist map[string][]Checkpoint
}

// NewMemoryReference returns a ReferenceStore that lives in memory only.
func NewMemoryReference() ReferenceStore {
	return &memoryReference{hist: make(map[string][]Checkpoint)}
}

func (m *memoryReference) Load(name string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hist[name]
	if len(h) == 0 {
		return Checkpoint{}, false, nil
	}
	return h[len(h)-1], true, nil
}

func (m *memoryReference) Save(name string, c Checkpoint) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hist[name] = append(m.hist[name], c)
	return nil
}
