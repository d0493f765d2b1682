package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceTracker(t *testing.T) {
	tr := NewSequenceTracker()

	v, err := tr.Check(Sequence{Table: "users", Chunk: 1, Total: 2})
	require.NoError(t, err)
	assert.Equal(t, Accept, v)
	tr.Commit(Sequence{Table: "users", Chunk: 1, Total: 2})

	v, err = tr.Check(Sequence{Table: "users", Chunk: 1, Total: 2})
	require.NoError(t, err)
	assert.Equal(t, Duplicate, v)

	v, err = tr.Check(Sequence{Table: "users", Chunk: 3, Total: 3})
	require.ErrorIs(t, err, ErrSequenceGap)
	assert.Equal(t, Gap, v)
	assert.Equal(t, Sequence{Table: "users", Chunk: 2, Total: 2}, tr.Expected("users", 2))

	v, err = tr.Check(Sequence{Table: "projects", Chunk: 1, Total: 1})
	require.NoError(t, err)
	assert.Equal(t, Accept, v)

	tr.Reset()
	v, err = tr.Check(Sequence{Table: "users", Chunk: 1, Total: 2})
	require.NoError(t, err)
	assert.Equal(t, Accept, v)
}

func TestSequenceTrackerMalformed(t *testing.T) {
	tr := NewSequenceTracker()
	_, err := tr.Check(Sequence{Chunk: 0, Total: 1})
	assert.ErrorIs(t, err, ErrSequenceGap)
	_, err = tr.Check(Sequence{Chunk: 3, Total: 2})
	assert.ErrorIs(t, err, ErrSequenceGap)
}
