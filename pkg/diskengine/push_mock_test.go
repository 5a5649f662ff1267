package diskengine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"lukechampine.com/blake3"

	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

// TestPushSkipsUploadWhenServerAlreadyHasChunk exercises the dedup branch
// of pushRegion (a chunk the server already has keeps only its
// descriptor) against a mocked TCPClient, so the assertion
// that UploadChunk is never called doesn't depend on a live server.
func TestPushSkipsUploadWhenServerAlreadyHasChunk(t *testing.T) {
	ctrl := gomock.NewController(t)
	tcp := NewMockTCPClient(ctrl)

	disk := buildGPTDisk(t, uuid.New(), 34, 999, 1000)
	for i := 34 * sectorSize; i < len(disk.data); i++ {
		disk.data[i] = 0x5a
	}

	tcp.EXPECT().GetChunkSize(gomock.Any()).Return(uint32(999), nil).AnyTimes()
	tcp.EXPECT().UploadImage("snap", gomock.Any()).Return(nil)

	e := &Engine{Disk: disk, TCP: tcp}
	img, err := e.Push("snap", 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, img.Disk)
	for _, c := range img.Disk {
		require.Equal(t, uint32(999), c.CSize)
	}
}

// TestPushUploadsUnknownChunk exercises the opposite branch: a chunk the
// server reports as unknown (csize 0) must be compressed and uploaded.
func TestPushUploadsUnknownChunk(t *testing.T) {
	ctrl := gomock.NewController(t)
	tcp := NewMockTCPClient(ctrl)

	disk := buildGPTDisk(t, uuid.New(), 34, 99, 1000)
	for i := 34 * sectorSize; i < len(disk.data); i++ {
		disk.data[i] = 0x11
	}

	region := disk.data[34*sectorSize : 100*sectorSize]
	wantHash := wire.ChunkHash(blake3.Sum256(region))

	tcp.EXPECT().GetChunkSize(wantHash).Return(uint32(0), nil)
	tcp.EXPECT().UploadChunk(wantHash, gomock.Any()).Return(nil)
	tcp.EXPECT().UploadImage("snap2", gomock.Any()).Return(nil)

	e := &Engine{Disk: disk, TCP: tcp}
	_, err := e.Push("snap2", 0, nil)
	require.NoError(t, err)
}
