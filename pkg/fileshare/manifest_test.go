// Copyright (c) 2025 The FileZap developers

package fileshare

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestDescribesFile(t *testing.T) {
	data := []byte("0123456789abcdefXYZ")
	f, err := Split(data, 8)
	require.NoError(t, err)

	m := NewManifest(f, 8)
	require.NoError(t, m.Validate())
	assert.Equal(t, int64(len(data)), m.Size)
	require.Len(t, m.Chunks, 3)
	assert.Equal(t, 3, m.Chunks[2].Size)

	keys, err := m.Keys()
	require.NoError(t, err)
	for i, c := range f.Chunks {
		assert.Equal(t, c.Hash, keys[i])
	}

	// Same content, same id.
	again := NewManifest(f, 8)
	assert.Equal(t, m.ID, again.ID)

	other, err := Split([]byte("something else"), 8)
	require.NoError(t, err)
	assert.NotEqual(t, m.ID, NewManifest(other, 8).ID)
}

func TestManifestReadWrite(t *testing.T) {
	f, err := Split([]byte("manifest round trip"), 4)
	require.NoError(t, err)
	m := NewManifest(f, 4)

	var buf bytes.Buffer
	require.NoError(t, WriteManifest(&buf, m))

	got, err := ReadManifest(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, m.Chunks, got.Chunks)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))
}

func TestManifestRejects(t *testing.T) {
	key := KeyOf([]byte("x")).String()

	tests := []struct {
		name string
		m    Manifest
	}{
		{
			name: "index out of range",
			m:    Manifest{Size: 1, Chunks: []ChunkRef{{Index: 1, Hash: key, Size: 1}}},
		},
		{
			name: "duplicate index",
			m: Manifest{Size: 2, Chunks: []ChunkRef{
				{Index: 0, Hash: key, Size: 1},
				{Index: 0, Hash: key, Size: 1},
			}},
		},
		{
			name: "bad hash",
			m:    Manifest{Size: 1, Chunks: []ChunkRef{{Index: 0, Hash: "zz", Size: 1}}},
		},
		{
			name: "size mismatch",
			m:    Manifest{Size: 5, Chunks: []ChunkRef{{Index: 0, Hash: key, Size: 1}}},
		},
		{
			name: "chunk above chunk size",
			m: Manifest{Size: 9, ChunkSize: 8,
				Chunks: []ChunkRef{{Index: 0, Hash: key, Size: 9}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.m.Validate())
		})
	}

	_, err := ReadManifest(bytes.NewReader([]byte("{not json")))
	assert.Error(t, err)
}
