// Copyright (c) 2025 The FileZap developers

package fileshare

import (
	"bytes"
	"fmt"
	"sort"
)

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 1024 * 1024

// Chunk is one fixed-size slice of a file.
type Chunk struct {
	Index int
	Data  []byte
	Hash  ContentKey
}

// File is a blob split into chunks, ordered by index.
type File struct {
	Chunks []Chunk
}

// Split cuts data into chunkSize slices. The last chunk may be shorter.
// Empty data yields a file without chunks.
func Split(data []byte, chunkSize int) (*File, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	f := &File{
		Chunks: make([]Chunk, 0, (len(data)+chunkSize-1)/chunkSize),
	}
	for index := 0; len(data) > 0; index++ {
		n := min(chunkSize, len(data))

		// Chunks must not alias the caller's buffer.
		buf := bytes.Clone(data[:n])
		f.Chunks = append(f.Chunks, Chunk{
			Index: index,
			Data:  buf,
			Hash:  KeyOf(buf),
		})
		data = data[n:]
	}

	return f, nil
}

// Reassemble orders chunks by index and checks that they form a complete
// file: indexes run from zero without gaps and every chunk matches its hash.
func Reassemble(chunks []Chunk) (*File, error) {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})

	for i, c := range sorted {
		if c.Index != i {
			return nil, fmt.Errorf("missing or duplicate chunk at index %d", i)
		}
		if KeyOf(c.Data) != c.Hash {
			return nil, fmt.Errorf("chunk %d does not match hash %s", i, c.Hash)
		}
	}

	return &File{Chunks: sorted}, nil
}

// Size returns the total number of bytes in the file.
func (f *File) Size() int64 {
	var size int64
	for _, c := range f.Chunks {
		size += int64(len(c.Data))
	}
	return size
}

// Bytes concatenates the chunk data in order.
func (f *File) Bytes() []byte {
	buf := make([]byte, 0, f.Size())
	for _, c := range f.Chunks {
		buf = append(buf, c.Data...)
	}
	return buf
}
