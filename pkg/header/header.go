// Package header parses and serialises 80-byte block headers and checks
// merkle inclusion proofs against them.
package header

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Size is the serialised length of a block header.
const Size = wire.MaxBlockHeaderPayload

// ErrBadLength is returned for input that is not a whole number of headers.
var ErrBadLength = errors.New("header data length is not a multiple of 80")

// Parse decodes exactly one serialised header.
func Parse(raw []byte) (*wire.BlockHeader, error) {
	if len(raw) != Size {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadLength, len(raw))
	}
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return &h, nil
}

// ParseBatch decodes concatenated headers, preserving their order.
func ParseBatch(raw []byte) ([]*wire.BlockHeader, error) {
	if len(raw)%Size != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadLength, len(raw))
	}
	out := make([]*wire.BlockHeader, 0, len(raw)/Size)
	for off := 0; off < len(raw); off += Size {
		h, err := Parse(raw[off : off+Size])
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", off/Size, err)
		}
		out = append(out, h)
	}
	return out, nil
}

// Serialize encodes h into its 80-byte form.
func Serialize(h *wire.BlockHeader) []byte {
	var buf bytes.Buffer
	buf.Grow(Size)
	// Writing to a bytes.Buffer cannot fail.
	_ = h.Serialize(&buf)
	return buf.Bytes()
}

// SerializeBatch concatenates the encodings of hs.
func SerializeBatch(hs []*wire.BlockHeader) []byte {
	var buf bytes.Buffer
	buf.Grow(Size * len(hs))
	for _, h := range hs {
		_ = h.Serialize(&buf)
	}
	return buf.Bytes()
}

// Hash returns the block hash of a serialised header.
func Hash(raw []byte) chainhash.Hash {
	return chainhash.DoubleHashH(raw)
}
