package tamperlog

import (
	"bytes"
	"crypto/subtle"
	"fmt"
)

// ChainState is the rolling integrity accumulator: the sequence number of
// the last message record and the running hash after it.
type ChainState struct {
	Sequence    uint64
	RunningHash []byte
}

var chainSeedLabel = []byte("tamperlog/chain/v1")

// Seed derives runningHash_0 from the encoded header, which carries the log
// identity, algorithms and envelopes.
func Seed(alg HashAlgorithm, header []byte) ChainState {
	return ChainState{RunningHash: alg.Sum(chainSeedLabel, header)}
}

// Advance folds a message record into s:
//
//	runningHash_n = H(runningHash_{n-1} || chainInput(record_n))
//
// r.ChainHash is ignored; the caller stores the returned hash in it.
func Advance(alg HashAlgorithm, s ChainState, r Record) ChainState {
	next := r
	next.Sequence = s.Sequence + 1
	return ChainState{
		Sequence:    s.Sequence + 1,
		RunningHash: alg.Sum(s.RunningHash, chainInput(next)),
	}
}

// Equal compares two states in constant time over the hash.
func (s ChainState) Equal(o ChainState) bool {
	return s.Sequence == o.Sequence && constantTimeEqual(s.RunningHash, o.RunningHash)
}

func (s ChainState) String() string {
	return fmt.Sprintf("seq=%d hash=%x", s.Sequence, s.RunningHash)
}

// CheckpointVerifier validates the signature on a checkpoint record.
type CheckpointVerifier func(state ChainState, r Record) error

// Replay recomputes the chain over records from seed. Every message record's
// stored chain hash must match; every checkpoint record must repeat the
// current state and pass verify (nil skips signature checks). Divergence is
// reported as ErrTamperDetected and never corrected.
func Replay(alg HashAlgorithm, seed ChainState, records []Record, verify CheckpointVerifier) (ChainState, error) {
	state := ChainState{Sequence: seed.Sequence, RunningHash: bytes.Clone(seed.RunningHash)}
	for i, r := range records {
		if r.IsCheckpoint() {
			if r.Sequence != state.Sequence {
				return state, fmt.Errorf("%w: checkpoint %d claims sequence %d at %d", ErrTamperDetected, i, r.Sequence, state.Sequence)
			}
			if !constantTimeEqual(r.ChainHash, state.RunningHash) {
				return state, fmt.Errorf("%w: checkpoint at sequence %d does not match chain", ErrTamperDetected, r.Sequence)
			}
			if verify != nil {
				if err := verify(state, r); err != nil {
					return state, fmt.Errorf("%w: checkpoint at sequence %d: %v", ErrTamperDetected, r.Sequence, err)
				}
			}
			continue
		}
		if r.Sequence != state.Sequence+1 {
			return state, fmt.Errorf("%w: sequence %d follows %d", ErrTamperDetected, r.Sequence, state.Sequence)
		}
		next := Advance(alg, state, r)
		if !constantTimeEqual(r.ChainHash, next.RunningHash) {
			return state, fmt.Errorf("%w: chain hash mismatch at sequence %d", ErrTamperDetected, r.Sequence)
		}
		state = next
	}
	return state, nil
}

// constantTimeEqual performs constant-time comparison of two byte slices.
func constantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
