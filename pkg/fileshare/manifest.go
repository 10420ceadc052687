// Copyright (c) 2025 The FileZap developers

package fileshare

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// ChunkRef names one chunk of a stored file.
type ChunkRef struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Size  int    `json:"size"`
}

// Manifest describes a file stored on the network well enough to fetch it
// back chunk by chunk.
type Manifest struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Size      int64      `json:"size"`
	ChunkSize int        `json:"chunk_size"`
	CreatedAt time.Time  `json:"created_at"`
	Chunks    []ChunkRef `json:"chunks"`
}

// NewManifest describes f. The manifest id is the key of the concatenated
// chunk hashes, so identical content always yields the same id.
func NewManifest(f *File, chunkSize int) *Manifest {
	m := &Manifest{
		Size:      f.Size(),
		ChunkSize: chunkSize,
		CreatedAt: time.Now().UTC(),
		Chunks:    make([]ChunkRef, 0, len(f.Chunks)),
	}

	hashes := make([]byte, 0, len(f.Chunks)*KeySize)
	for _, c := range f.Chunks {
		m.Chunks = append(m.Chunks, ChunkRef{
			Index: c.Index,
			Hash:  c.Hash.String(),
			Size:  len(c.Data),
		})
		hashes = append(hashes, c.Hash[:]...)
	}
	m.ID = KeyOf(hashes).String()

	return m
}

// Keys returns the content key of every chunk, in index order.
func (m *Manifest) Keys() ([]ContentKey, error) {
	keys := make([]ContentKey, len(m.Chunks))
	seen := make([]bool, len(m.Chunks))
	for _, ref := range m.Chunks {
		if ref.Index < 0 || ref.Index >= len(m.Chunks) || seen[ref.Index] {
			return nil, fmt.Errorf("manifest %s: bad chunk index %d", m.ID, ref.Index)
		}
		key, err := ParseKey(ref.Hash)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: chunk %d: %w", m.ID, ref.Index, err)
		}
		keys[ref.Index] = key
		seen[ref.Index] = true
	}
	return keys, nil
}

// Validate checks that the manifest is internally consistent.
func (m *Manifest) Validate() error {
	if _, err := m.Keys(); err != nil {
		return err
	}

	var size int64
	for _, ref := range m.Chunks {
		if ref.Size < 0 || (m.ChunkSize > 0 && ref.Size > m.ChunkSize) {
			return fmt.Errorf("manifest %s: chunk %d has invalid size %d",
				m.ID, ref.Index, ref.Size)
		}
		size += int64(ref.Size)
	}
	if size != m.Size {
		return fmt.Errorf("manifest %s: chunk sizes add up to %d, expected %d",
			m.ID, size, m.Size)
	}
	return nil
}

// WriteManifest encodes m as indented JSON.
func WriteManifest(w io.Writer, m *Manifest) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// ReadManifest decodes and validates a manifest.
func ReadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
