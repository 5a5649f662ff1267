package diskengine

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// buildGPTDisk writes a minimal protective-MBR-less GPT header and a
// single-partition table onto a memDisk, enough for ParseGPT to exercise
// its header/entry decoding.
func buildGPTDisk(t *testing.T, typeGUID uuid.UUID, startLBA, lastLBA uint64, diskSectors uint64) *memDisk {
	t.Helper()
	disk := newMemDisk(diskSectors * sectorSize)

	header := make([]byte, sectorSize)
	copy(header[0:8], gptSignature)
	const partTableLBA = 2
	const numEntries = 4
	const entrySize = partEntrySize
	binary.LittleEndian.PutUint64(header[72:80], partTableLBA)
	binary.LittleEndian.PutUint32(header[80:84], numEntries)
	binary.LittleEndian.PutUint32(header[84:88], entrySize)
	_, err := disk.WriteAt(header, gptHeaderLBA*sectorSize)
	require.NoError(t, err)

	entry := make([]byte, entrySize)
	putMixedEndianGUID(entry[0:16], typeGUID)
	putMixedEndianGUID(entry[16:32], uuid.MustParse("00000000-0000-0000-0000-000000000002"))
	binary.LittleEndian.PutUint64(entry[32:40], startLBA)
	binary.LittleEndian.PutUint64(entry[40:48], lastLBA)
	_, err = disk.WriteAt(entry, partTableLBA*sectorSize)
	require.NoError(t, err)

	return disk
}

func putMixedEndianGUID(b []byte, u uuid.UUID) {
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	copy(b[8:16], u[8:16])
}

func TestParseGPTRawPartition(t *testing.T) {
	randomTypeGUID := uuid.New()
	disk := buildGPTDisk(t, randomTypeGUID, 100, 199, 1000)

	parts, err := ParseGPT(disk, 1000*sectorSize)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, KindRaw, parts[0].Kind)
	require.Equal(t, uint64(100*sectorSize), parts[0].StartByte)
	require.Equal(t, uint64(200*sectorSize), parts[0].EndByte)
}

func TestParseGPTExt4Partition(t *testing.T) {
	disk := buildGPTDisk(t, ext4TypeGUID, 10, 50, 1000)

	parts, err := ParseGPT(disk, 1000*sectorSize)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, KindExt4, parts[0].Kind)
}

func TestParseGPTRejectsMissingSignature(t *testing.T) {
	disk := newMemDisk(1000 * sectorSize)
	_, err := ParseGPT(disk, 1000*sectorSize)
	require.Error(t, err)
}

func TestCandidateChunksRawPartitionSplitsLinearly(t *testing.T) {
	p := Partition{Kind: KindRaw, StartByte: 0, EndByte: 10 * 1024 * 1024}
	chunks := candidateChunks(p, nil)

	require.Len(t, chunks, 3) // 4MiB, 4MiB, 2MiB
	require.Equal(t, uint64(0), chunks[0].Start)
	require.Equal(t, uint64(4*1024*1024), chunks[0].End)
	require.Equal(t, uint64(10*1024*1024), chunks[2].End)
}

func TestCandidateChunksFSAwareOnlyAllocated(t *testing.T) {
	p := Partition{Kind: KindExt4, StartByte: 0, EndByte: 20 * 1024 * 1024}
	allocated := []byteRange{{Start: 0, End: 1024}, {Start: 5 * 1024 * 1024, End: 5*1024*1024 + 2048}}

	chunks := candidateChunks(p, allocated)
	require.Len(t, chunks, 2)
	require.Equal(t, uint64(0), chunks[0].Start)
	require.Equal(t, uint64(1024), chunks[0].End)
}
