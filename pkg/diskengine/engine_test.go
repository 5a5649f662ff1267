package diskengine

import (
	"context"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/olimpiadi-informatica/pixie/pkg/chunkstore"
	"github.com/olimpiadi-informatica/pixie/pkg/fleet"
	"github.com/olimpiadi-informatica/pixie/pkg/image"
	"github.com/olimpiadi-informatica/pixie/pkg/tcptransport"
	"github.com/olimpiadi-informatica/pixie/pkg/udpserver"
)

func startServer(t *testing.T) (tcpAddr string, udpAddr *net.UDPAddr) {
	t.Helper()
	dir := t.TempDir()
	store, err := chunkstore.Open(dir, nil)
	require.NoError(t, err)
	reg, err := image.Open(dir, store, nil)
	require.NoError(t, err)
	fl, err := fleet.NewState(dir+"/registered.json", nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tsrv := &tcptransport.Server{Store: store, Image: reg, Fleet: fl}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tsrv.Serve(ctx, ln)

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	hintConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	usrv := udpserver.NewServer(store, reg, fl, 1_000_000_000, nil, nil)
	go usrv.Run(ctx, udpConn, hintConn, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})

	return ln.Addr().String(), udpConn.LocalAddr().(*net.UDPAddr)
}

// buildWholeDiskGPT builds a memDisk of the given size, fills its data
// region with fill, and overlays a GPT describing one raw partition that
// covers everything after the GPT metadata, so Push/Pull have a
// partition to chunk.
func buildWholeDiskGPT(t *testing.T, size uint64, fill byte) *memDisk {
	t.Helper()
	d := newMemDisk(size)
	for i := range d.data {
		d.data[i] = fill
	}

	sectors := size / sectorSize
	const dataStartLBA = 34
	// A fixed type GUID keeps the GPT metadata region byte-identical
	// across independently-built disks, so a full-disk comparison after
	// Pull only reflects the chunked data region.
	gpt := buildGPTDisk(t, uuid.MustParse("00000000-0000-0000-0000-000000000001"), dataStartLBA, sectors-1, sectors)
	copy(d.data[:dataStartLBA*sectorSize], gpt.data[:dataStartLBA*sectorSize])
	return d
}

func TestPushThenPullRoundTrip(t *testing.T) {
	tcpAddr, udpAddr := startServer(t)

	srcDisk := buildWholeDiskGPT(t, 9*1024*1024, 0x42)
	c1, err := tcptransport.Dial(tcpAddr)
	require.NoError(t, err)
	defer c1.Close()

	pushEngine := &Engine{Disk: srcDisk, TCP: c1}
	img, err := pushEngine.Push("golden", 1, []byte("boot"))
	require.NoError(t, err)
	require.NotEmpty(t, img.Disk)

	dstDisk := buildWholeDiskGPT(t, 9*1024*1024, 0x00)
	c2, err := tcptransport.Dial(tcpAddr)
	require.NoError(t, err)
	defer c2.Close()

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	pullEngine := &Engine{Disk: dstDisk, TCP: c2}
	require.NoError(t, pullEngine.Pull("golden", clientConn, udpAddr))
	require.Greater(t, pullEngine.ChunksFetched, 0)

	require.Equal(t, srcDisk.data, dstDisk.data)
}

func TestPullIdempotentOnMatchingDisk(t *testing.T) {
	tcpAddr, udpAddr := startServer(t)

	srcDisk := buildWholeDiskGPT(t, 5*1024*1024, 0x7a)
	c1, err := tcptransport.Dial(tcpAddr)
	require.NoError(t, err)
	defer c1.Close()

	pushEngine := &Engine{Disk: srcDisk, TCP: c1}
	_, err = pushEngine.Push("golden2", 1, nil)
	require.NoError(t, err)

	c2, err := tcptransport.Dial(tcpAddr)
	require.NoError(t, err)
	defer c2.Close()
	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	// Pull onto a disk byte-identical to the source: zero chunks fetched.
	alreadyMatching := buildWholeDiskGPT(t, 5*1024*1024, 0x7a)
	pullEngine := &Engine{Disk: alreadyMatching, TCP: c2}
	require.NoError(t, pullEngine.Pull("golden2", clientConn, udpAddr))
	require.Equal(t, 0, pullEngine.ChunksFetched)
}

func TestPushDeterministicAcrossRuns(t *testing.T) {
	tcpAddr, _ := startServer(t)

	disk := buildWholeDiskGPT(t, 5*1024*1024, 0x11)
	c, err := tcptransport.Dial(tcpAddr)
	require.NoError(t, err)
	defer c.Close()

	e := &Engine{Disk: disk, TCP: c}
	img1, err := e.Push("det", 1, nil)
	require.NoError(t, err)
	img2, err := e.Push("det", 1, nil)
	require.NoError(t, err)

	require.Equal(t, img1, img2)
}
