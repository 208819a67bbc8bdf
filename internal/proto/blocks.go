package proto

import (
	"encoding/base64"
	"encoding/binary"

	"github.com/pkg/errors"

	"deepforge/server/internal/coords"
)

// SectionBlobSize is the serialized size of one section: 4096 little-endian
// unsigned 16-bit block ids.
const SectionBlobSize = coords.BlocksPerSection * 2

// BlocksToBlob serializes block ids to the 8192-byte store/wire layout.
func BlocksToBlob(blocks []uint16) ([]byte, error) {
	if len(blocks) != coords.BlocksPerSection {
		return nil, errors.Errorf("expected %d blocks, got %d", coords.BlocksPerSection, len(blocks))
	}
	blob := make([]byte, SectionBlobSize)
	for i, b := range blocks {
		binary.LittleEndian.PutUint16(blob[i*2:], b)
	}
	return blob, nil
}

// BlocksFromBlob deserializes the 8192-byte layout back to block ids.
func BlocksFromBlob(blob []byte) ([]uint16, error) {
	if len(blob) != SectionBlobSize {
		return nil, errors.Errorf("expected %d bytes, got %d", SectionBlobSize, len(blob))
	}
	blocks := make([]uint16, coords.BlocksPerSection)
	for i := range blocks {
		blocks[i] = binary.LittleEndian.Uint16(blob[i*2:])
	}
	return blocks, nil
}

// EncodeBlocks produces the base64 wire form of a section's blocks.
func EncodeBlocks(blocks []uint16) (string, error) {
	blob, err := BlocksToBlob(blocks)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecodeBlocks parses the base64 wire form, enforcing the exact 8192-byte
// payload size.
func DecodeBlocks(encoded string) ([]uint16, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decode section payload")
	}
	return BlocksFromBlob(blob)
}
