// Copyright (c) 2025 The FileZap developers

package fileshare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
		wantSizes []int
	}{
		{
			name:      "empty",
			size:      0,
			chunkSize: 4,
			wantSizes: []int{},
		},
		{
			name:      "smaller than a chunk",
			size:      3,
			chunkSize: 4,
			wantSizes: []int{3},
		},
		{
			name:      "exact multiple",
			size:      8,
			chunkSize: 4,
			wantSizes: []int{4, 4},
		},
		{
			name:      "short last chunk",
			size:      10,
			chunkSize: 4,
			wantSizes: []int{4, 4, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.size)
			for i := range data {
				data[i] = byte(i)
			}

			f, err := Split(data, tt.chunkSize)
			require.NoError(t, err)

			sizes := make([]int, 0, len(f.Chunks))
			for i, c := range f.Chunks {
				assert.Equal(t, i, c.Index)
				assert.Equal(t, KeyOf(c.Data), c.Hash)
				sizes = append(sizes, len(c.Data))
			}
			assert.Equal(t, tt.wantSizes, sizes)
			assert.Equal(t, int64(tt.size), f.Size())
		})
	}
}

func TestSplitInvalidChunkSize(t *testing.T) {
	_, err := Split([]byte{1}, 0)
	assert.Error(t, err)
}

func TestSplitDoesNotAlias(t *testing.T) {
	data := []byte{1, 2, 3}
	f, err := Split(data, 2)
	require.NoError(t, err)

	data[0] = 9
	assert.Equal(t, []byte{1, 2}, f.Chunks[0].Data)
}

func TestSplitRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(t, "data")
		chunkSize := rapid.IntRange(1, 64).Draw(t, "chunkSize")

		f, err := Split(data, chunkSize)
		require.NoError(t, err)
		require.Equal(t, len(data), len(f.Bytes()))
		if len(data) > 0 {
			require.Equal(t, data, f.Bytes())
		}

		// Shuffled chunks reassemble to the same bytes.
		perm := rapid.Permutation(f.Chunks).Draw(t, "perm")
		g, err := Reassemble(perm)
		require.NoError(t, err)
		require.Equal(t, f.Bytes(), g.Bytes())
	})
}

func TestReassembleRejects(t *testing.T) {
	f, err := Split([]byte("abcdefgh"), 2)
	require.NoError(t, err)

	_, err = Reassemble(f.Chunks[1:])
	assert.Error(t, err, "missing first chunk")

	dup := append([]Chunk{}, f.Chunks...)
	dup[1] = dup[0]
	_, err = Reassemble(dup)
	assert.Error(t, err, "duplicate index")

	bad := append([]Chunk{}, f.Chunks...)
	bad[2].Data = []byte("zz")
	_, err = Reassemble(bad)
	assert.Error(t, err, "hash mismatch")
}
