// Copyright (c) 2025 The FileZap developers

package fileshare

import (
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/minio/sha256-simd"
	mh "github.com/multiformats/go-multihash"
)

// KeySize is the size of a content key in bytes.
const KeySize = sha256.Size

// ContentKey addresses a chunk by the SHA-256 digest of its bytes.
type ContentKey [KeySize]byte

// KeyOf returns the content key of data.
func KeyOf(data []byte) ContentKey {
	return ContentKey(sha256.Sum256(data))
}

// String returns the key as lowercase hex.
func (k ContentKey) String() string {
	return hex.EncodeToString(k[:])
}

// Cid returns the key as a CIDv1 with the raw codec and a sha2-256
// multihash.
func (k ContentKey) Cid() cid.Cid {
	hash, err := mh.Encode(k[:], mh.SHA2_256)
	if err != nil {
		// sha2-256 with a 32 byte digest is always encodable.
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, hash)
}

// ParseKey accepts the hex form produced by String or a CID carrying a
// sha2-256 multihash.
func ParseKey(s string) (ContentKey, error) {
	var k ContentKey

	if len(s) == hex.EncodedLen(KeySize) {
		if _, err := hex.Decode(k[:], []byte(s)); err == nil {
			return k, nil
		}
	}

	c, err := cid.Decode(s)
	if err != nil {
		return k, fmt.Errorf("invalid content key %q: %w", s, err)
	}
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return k, fmt.Errorf("invalid multihash in %q: %w", s, err)
	}
	if decoded.Code != mh.SHA2_256 || len(decoded.Digest) != KeySize {
		return k, fmt.Errorf("content key %q is not a sha2-256 digest", s)
	}

	copy(k[:], decoded.Digest)
	return k, nil
}

func keyFromBytes(b []byte) (ContentKey, bool) {
	var k ContentKey
	if len(b) != KeySize {
		return k, false
	}
	copy(k[:], b)
	return k, true
}
