package rebuilder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

func TestCompleteChunkInOnePacket(t *testing.T) {
	r := New(nil)
	data := []byte("hello pixie rebuilder")
	hash := wire.ChunkHash(blake3.Sum256(data))

	r.Want(hash, uint32(len(data)))
	advanced := r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 0, Payload: data})
	require.True(t, advanced)

	select {
	case c := <-r.Completed:
		require.Equal(t, hash, c.Hash)
		require.Equal(t, data, c.Data)
	default:
		t.Fatal("expected completed chunk")
	}
}

func TestCompleteChunkFromMultiplePackets(t *testing.T) {
	r := New(nil)
	data := []byte("0123456789abcdef")
	hash := wire.ChunkHash(blake3.Sum256(data))

	r.Want(hash, uint32(len(data)))
	r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 0, Payload: data[0:8]})
	r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 8, Payload: data[8:16]})

	c := <-r.Completed
	require.Equal(t, data, c.Data)
}

func TestDuplicatePacketIsIdempotent(t *testing.T) {
	r := New(nil)
	data := []byte("duplicate me")
	hash := wire.ChunkHash(blake3.Sum256(data))

	r.Want(hash, uint32(len(data)))
	r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 0, Payload: data})
	r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 0, Payload: data})

	c := <-r.Completed
	require.Equal(t, data, c.Data)
}

func TestUnwantedPacketDropped(t *testing.T) {
	r := New(nil)
	var hash wire.ChunkHash
	hash[0] = 1

	advanced := r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 0, Payload: []byte("x")})
	require.False(t, advanced)
}

func TestIntegrityMismatchResetsAndRerequests(t *testing.T) {
	r := New(nil)
	data := make([]byte, 4)
	hash := wire.ChunkHash(blake3.Sum256(data)) // hash of all-zero buffer

	r.Want(hash, 4)
	// deliver bytes that do NOT hash to `hash`
	r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 0, Payload: []byte{1, 2, 3, 4}})

	select {
	case <-r.Completed:
		t.Fatal("should not complete on hash mismatch")
	default:
	}

	// chunk should still be wanted (reset), verify watchdog sees it stale
	reqs := r.Watchdog(time.Now().Add(time.Hour))
	require.Len(t, reqs, 1)
	require.Equal(t, uint32(0), reqs[0].Start)
	require.Equal(t, uint32(4), reqs[0].Length)
}

func TestIntegrityMismatchTwiceAborts(t *testing.T) {
	r := New(nil)
	data := make([]byte, 4)
	hash := wire.ChunkHash(blake3.Sum256(data))

	r.Want(hash, 4)
	r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 0, Payload: []byte{9, 9, 9, 9}})
	r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 0, Payload: []byte{8, 8, 8, 8}})

	select {
	case aborted := <-r.Aborted:
		require.Equal(t, hash, aborted)
	default:
		t.Fatal("expected abort after two consecutive mismatches")
	}
}

func TestWatchdogCoalescesContiguousGaps(t *testing.T) {
	r := New(nil)
	hash := wire.ChunkHash{1}
	r.Want(hash, 100)

	r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 10, Payload: make([]byte, 20)})
	r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 60, Payload: make([]byte, 10)})

	reqs := r.Watchdog(time.Now().Add(time.Hour))
	require.Len(t, reqs, 3)
}

func TestWatchdogIgnoresFreshChunks(t *testing.T) {
	r := New(nil)
	hash := wire.ChunkHash{2}
	r.Want(hash, 10)

	reqs := r.Watchdog(time.Now())
	require.Empty(t, reqs)
}

func TestForgetRemovesWantedChunk(t *testing.T) {
	r := New(nil)
	hash := wire.ChunkHash{3}
	r.Want(hash, 10)
	r.Forget(hash)

	advanced := r.HandlePacket(wire.DataPacket{Hash: hash, Offset: 0, Payload: []byte("x")})
	require.False(t, advanced)
}
