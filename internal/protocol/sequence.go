package protocol

import (
	"errors"
	"fmt"
)

var ErrSequenceGap = errors.New("sequence gap")

// Verdict is the outcome of checking an incoming chunk against the stream
type Verdict int

const (
	// Accept: the chunk is the next one expected
	Accept Verdict = iota
	// Duplicate: already processed, only the acknowledgment must be repeated
	Duplicate
	// Gap: one or more earlier chunks are missing
	Gap
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	}
	return "unknown"
}

// SequenceTracker validates chunk markers on the receiving side. Snapshot
// chunks are numbered per table, catch-up chunks form one stream
type SequenceTracker struct {
	expected map[string]int
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{expected: make(map[string]int)}
}

// Check classifies seq without changing the tracker
func (t *SequenceTracker) Check(seq Sequence) (Verdict, error) {
	if seq.Chunk < 1 || seq.Total > 0 && seq.Chunk > seq.Total {
		return Gap, fmt.Errorf("%w: malformed sequence %d/%d", ErrSequenceGap, seq.Chunk, seq.Total)
	}
	next := t.expected[seq.Table]
	if next == 0 {
		next = 1
	}
	switch {
	case seq.Chunk == next:
		return Accept, nil
	case seq.Chunk < next:
		return Duplicate, nil
	default:
		return Gap, fmt.Errorf("%w: table %q expected chunk %d, got %d", ErrSequenceGap, seq.Table, next, seq.Chunk)
	}
}

// Commit records seq as processed. Call it only once the chunk is applied
func (t *SequenceTracker) Commit(seq Sequence) {
	t.expected[seq.Table] = seq.Chunk + 1
}

// Expected returns the marker the tracker waits for next on table's stream
func (t *SequenceTracker) Expected(table string, total int) Sequence {
	next := t.expected[table]
	if next == 0 {
		next = 1
	}
	return Sequence{Table: table, Chunk: next, Total: total}
}

// Reset forgets every stream, used when a new phase starts
func (t *SequenceTracker) Reset() {
	t.expected = make(map[string]int)
}
