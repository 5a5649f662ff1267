// Package diskengine implements the client-side disk scan/diff engine:
// a GPT-aware scanner that produces and consumes Image manifests against
// a raw block device.
package diskengine

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
)

const (
	gptSignature   = "EFI PART"
	gptHeaderLBA   = 1
	sectorSize     = 512
	gptHeaderBytes = 92
	partEntrySize  = 128
)

// PartitionKind classifies a partition for chunking-strategy selection.
type PartitionKind int

const (
	KindRaw PartitionKind = iota
	KindExt4
	KindNTFS
)

// Partition is one parsed GPT entry, in absolute byte offsets.
type Partition struct {
	TypeGUID   uuid.UUID
	PartGUID   uuid.UUID
	Name       string
	StartByte  uint64
	EndByte    uint64 // exclusive
	Kind       PartitionKind
}

// ext4TypeGUID and ntfsTypeGUID are the well-known GPT partition type
// GUIDs used to pick a chunking strategy. Basic-data partitions (NTFS,
// and generic "Microsoft basic data") share one GUID; Linux filesystem
// data shares another. Anything else is treated as raw.
var (
	ext4TypeGUID = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	ntfsTypeGUID = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
)

// ParseGPT reads the protective MBR (ignored) and GPT header/partition
// table from r, a ReaderAt over the whole block device, and returns the
// populated partitions in table order. Unallocated space between and
// around partitions is not represented.
func ParseGPT(r readerAt, diskSize uint64) ([]Partition, error) {
	header := make([]byte, sectorSize)
	if _, err := r.ReadAt(header, gptHeaderLBA*sectorSize); err != nil {
		return nil, perrors.NewIOError("read GPT header", err)
	}
	if string(header[0:8]) != gptSignature {
		return nil, perrors.NewProtocolError(perrors.CodeShortPacket, "missing GPT signature")
	}

	partTableLBA := binary.LittleEndian.Uint64(header[72:80])
	numEntries := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])
	if entrySize == 0 {
		entrySize = partEntrySize
	}

	tableBytes := make([]byte, uint64(numEntries)*uint64(entrySize))
	if _, err := r.ReadAt(tableBytes, int64(partTableLBA*sectorSize)); err != nil {
		return nil, perrors.NewIOError("read GPT partition table", err)
	}

	var parts []Partition
	for i := uint32(0); i < numEntries; i++ {
		entry := tableBytes[uint64(i)*uint64(entrySize) : uint64(i)*uint64(entrySize)+uint64(entrySize)]
		typeGUID := guidFromMixedEndian(entry[0:16])
		if typeGUID == (uuid.UUID{}) {
			continue // unused entry
		}
		partGUID := guidFromMixedEndian(entry[16:32])
		firstLBA := binary.LittleEndian.Uint64(entry[32:40])
		lastLBA := binary.LittleEndian.Uint64(entry[40:48])
		name := utf16leToString(entry[56:128])

		p := Partition{
			TypeGUID:  typeGUID,
			PartGUID:  partGUID,
			Name:      name,
			StartByte: firstLBA * sectorSize,
			EndByte:   (lastLBA + 1) * sectorSize,
			Kind:      KindRaw,
		}
		switch typeGUID {
		case ext4TypeGUID:
			p.Kind = KindExt4
		case ntfsTypeGUID:
			p.Kind = KindNTFS
		}
		if p.EndByte > diskSize {
			p.EndByte = diskSize
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// readerAt is the minimal interface ParseGPT needs; satisfied by *os.File.
type readerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// guidFromMixedEndian decodes a GPT GUID field, which mixes little-endian
// and big-endian components (RFC 4122 "Microsoft mixed-endian" form).
func guidFromMixedEndian(b []byte) uuid.UUID {
	var out uuid.UUID
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:16], b[8:16])
	return out
}

func utf16leToString(b []byte) string {
	var runes []rune
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i : i+2])
		if u == 0 {
			break
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}
