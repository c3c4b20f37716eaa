// Package digest computes the MD5 digests some providers require up front,
// before any content is transferred.
package digest

import (
	"crypto/md5"
	"encoding/hex"
)

// HeadSize is the prefix length covered by Sums.Head.
const HeadSize = 256 * 1024

// MD5Hex returns the lower-case hex MD5 of b.
func MD5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// SliceMD5s splits b into consecutive slices of size bytes (the last may be
// shorter) and returns the hex MD5 of each. Empty input yields one digest of
// the empty slice so that a zero-byte upload still declares one block.
func SliceMD5s(b []byte, size int) []string {
	if size <= 0 {
		size = len(b)
	}
	if len(b) == 0 {
		return []string{MD5Hex(nil)}
	}
	out := make([]string, 0, (len(b)+size-1)/size)
	for off := 0; off < len(b); off += size {
		end := min(off+size, len(b))
		out = append(out, MD5Hex(b[off:end]))
	}
	return out
}

// Sums holds every digest declared when pre-creating an upload.
type Sums struct {
	Content string   // whole payload
	Head    string   // first HeadSize bytes
	Blocks  []string // one per slice, in order
}

// Baidu computes the digests Baidu's precreate call expects for b sliced at
// sliceSize.
func Baidu(b []byte, sliceSize int) Sums {
	head := b
	if len(head) > HeadSize {
		head = head[:HeadSize]
	}
	return Sums{
		Content: MD5Hex(b),
		Head:    MD5Hex(head),
		Blocks:  SliceMD5s(b, sliceSize),
	}
}
