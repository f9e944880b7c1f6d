package tamperlog

import (
	"crypto"
	"fmt"
)

// Report summarizes a successful audit of a primary log file.
type Report struct {
	Header      Header
	State       ChainState // chain state after the last record
	Records     int
	Messages    int
	Checkpoints int
	// Unsealed counts message records after the last checkpoint, left by a
	// session that ended without CloseLog.
	Unsealed int
	// Last is the final checkpoint in the primary file, if any.
	Last *Checkpoint
	// Reference is the trusted checkpoint the log was compared against.
	Reference *Checkpoint
	// Recover is set when the trusted reference lags the primary by exactly
	// one close and should be rewritten to this checkpoint.
	Recover *Checkpoint

	log *ParsedLog
}

// Audit parses primary, replays its chain, verifies every checkpoint
// signature with signingPub and reconciles the result with the trusted
// checkpoint ref (nil when the trusted location holds none).
func Audit(primary []byte, ref *Checkpoint, signingPub crypto.PublicKey) (*Report, error) {
	pl, err := ParseLog(primary)
	if err != nil {
		return nil, err
	}
	return auditParsed(pl, ref, signingPub)
}

// AuditBytes is Audit with the contents of a DirReference file in place of
// a decoded checkpoint. An empty refFile means no trusted checkpoint.
func AuditBytes(primary, refFile []byte, signingPub crypto.PublicKey) (*Report, error) {
	hist, err := DecodeReferenceFile(refFile)
	if err != nil {
		return nil, fmt.Errorf("trusted reference: %w", err)
	}
	var ref *Checkpoint
	if len(hist) > 0 {
		ref = &hist[len(hist)-1]
	}
	return Audit(primary, ref, signingPub)
}

func auditParsed(pl *ParsedLog, ref *Checkpoint, signingPub crypto.PublicKey) (*Report, error) {
	rep, cps, err := replayParsed(pl, signingPub)
	if err != nil {
		return nil, err
	}
	if err := reconcile(rep, cps, ref, signingPub); err != nil {
		return nil, err
	}
	return rep, nil
}

// replayParsed checks the primary file on its own. A nil signingPub skips
// signature checks but still requires every checkpoint to match the chain.
func replayParsed(pl *ParsedLog, signingPub crypto.PublicKey) (*Report, []Checkpoint, error) {
	h := pl.Header
	var cps []Checkpoint
	verify := func(_ ChainState, r Record) error {
		cp := checkpointFromRecord(h.LogID, r)
		if signingPub != nil {
			if err := VerifyCheckpoint(cp, signingPub, h.Hash); err != nil {
				return err
			}
		}
		cps = append(cps, cp)
		return nil
	}
	state, err := Replay(h.Hash, Seed(h.Hash, pl.HeaderBytes), pl.Records, verify)
	if err != nil {
		return nil, nil, err
	}

	rep := &Report{
		Header:      h,
		State:       state,
		Records:     len(pl.Records),
		Checkpoints: len(cps),
		log:         pl,
	}
	rep.Messages = rep.Records - rep.Checkpoints
	for i := len(pl.Records) - 1; i >= 0 && !pl.Records[i].IsCheckpoint(); i-- {
		rep.Unsealed++
	}
	if len(cps) > 0 {
		last := cps[len(cps)-1]
		rep.Last = &last
	}
	return rep, cps, nil
}

// reconcile applies the trusted-reference policy. The reference is written
// after the checkpoint record at close, so it may lag by one checkpoint but
// never lead.
func reconcile(rep *Report, cps []Checkpoint, ref *Checkpoint, signingPub crypto.PublicKey) error {
	k := len(cps)
	if ref == nil {
		switch k {
		case 0:
			return nil
		case 1:
			rep.Recover = &cps[0]
			return nil
		}
		return fmt.Errorf("%w: trusted reference missing for log with %d checkpoints", ErrTamperDetected, k)
	}

	r := *ref
	rep.Reference = &r
	if r.LogID != rep.Header.LogID {
		return fmt.Errorf("%w: trusted reference belongs to log %s, primary is %s", ErrTamperDetected, r.LogID, rep.Header.LogID)
	}
	if signingPub != nil {
		if err := VerifyCheckpoint(r, signingPub, rep.Header.Hash); err != nil {
			return fmt.Errorf("%w: trusted reference: %v", ErrTamperDetected, err)
		}
	}
	switch {
	case k > 0 && r.Same(cps[k-1]):
		return nil
	case k > 1 && r.Same(cps[k-2]):
		rep.Recover = &cps[k-1]
		return nil
	}
	return fmt.Errorf("%w: trusted reference (%s) matches neither of the last two checkpoints of %d", ErrTamperDetected, r.State(), k)
}
