// Package wire implements the Pixie wire formats: the fixed 36-byte UDP
// header plus per-message bodies, the length-prefixed canonical-CBOR TCP
// request/response envelopes, and the HintPacket broadcast body.
package wire

// ChunkHash is a 32-byte BLAKE3-256 digest of uncompressed chunk bytes.
// Equality is byte equality.
type ChunkHash [32]byte

// ChunkDesc locates one content-addressed chunk on the target disk.
type ChunkDesc struct {
	Hash  ChunkHash `cbor:"hash"`
	Start uint64    `cbor:"start"`
	Size  uint32    `cbor:"size"`
	CSize uint32    `cbor:"csize"`
}

// Image is a disk manifest: an ordered, non-overlapping list of chunk
// descriptors plus a boot-option descriptor.
type Image struct {
	BootOptionID uint32      `cbor:"boot_option_id"`
	BootEntry    []byte      `cbor:"boot_entry"`
	Disk         []ChunkDesc `cbor:"disk"`
}

// TotalBytes returns the highest written offset, i.e. start+size of the
// last chunk. An Image has no inherent total size otherwise.
func (img *Image) TotalBytes() uint64 {
	if len(img.Disk) == 0 {
		return 0
	}
	last := img.Disk[len(img.Disk)-1]
	return last.Start + uint64(last.Size)
}

// HintPacket is broadcast periodically on the hint port so
// a client booting without prior state can discover what it should become.
type HintPacket struct {
	Images       map[string]Image `cbor:"images"`
	Groups       map[string]uint8 `cbor:"groups"`
	Unregistered uint8            `cbor:"unregistered"`
}
