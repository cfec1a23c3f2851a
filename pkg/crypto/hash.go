// Package crypto provides the hashing helpers used for on-disk integrity.
package crypto

import (
	"github.com/zeebo/blake3"
)

// ChecksumSize is the length of a record checksum in bytes.
const ChecksumSize = 8

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// Checksum returns a truncated BLAKE3 hash of data, used to detect
// corrupted records in the header log.
func Checksum(data []byte) [ChecksumSize]byte {
	h := Hash(data)
	var sum [ChecksumSize]byte
	copy(sum[:], h[:ChecksumSize])
	return sum
}
