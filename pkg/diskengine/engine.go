package diskengine

import (
	"bytes"
	"io"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pierrec/lz4/v4"
	"lukechampine.com/blake3"

	"github.com/olimpiadi-informatica/pixie/pkg/constants"
	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
	"github.com/olimpiadi-informatica/pixie/pkg/rebuilder"
	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

// Disk is the minimal block-device handle the engine needs: read for
// scanning/verifying, write for flashing. *os.File satisfies it.
type Disk interface {
	io.ReaderAt
	io.WriterAt
	Size() (uint64, error)
}

// FileDisk adapts an *os.File to Disk.
type FileDisk struct{ *os.File }

// Size returns the file's current size via Seek, matching how a block
// device's size is discovered when stat doesn't report a meaningful one.
func (f FileDisk) Size() (uint64, error) {
	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, perrors.NewIOError("seek disk for size", err)
	}
	return uint64(off), nil
}

// TCPClient is the subset of *tcptransport.Client the engine needs to
// cross the network boundary to the server. Pulling this out as an
// interface (rather than depending on the concrete client directly) lets
// Push/Pull's dedup and diff logic be unit-tested with a go.uber.org/mock
// fake instead of a live TCP server.
type TCPClient interface {
	GetImage(name string) (wire.Image, error)
	GetChunkSize(hash wire.ChunkHash) (uint32, error)
	UploadChunk(hash wire.ChunkHash, compressed []byte) error
	UploadImage(name string, img wire.Image) error
}

// Engine drives push (store) and pull (flash) against a Disk.
type Engine struct {
	Disk Disk
	TCP  TCPClient
	Log  hclog.Logger

	// MAC, when nonzero, is reported with ActionProgress packets during a
	// Pull so the control plane can show live per-unit progress.
	MAC [6]byte

	// ChunksFetched counts chunks actually fetched during the most recent
	// Pull. A pull onto an already-matching disk must leave this at 0.
	ChunksFetched int
}

func (e *Engine) logger() hclog.Logger {
	if e.Log == nil {
		return hclog.NewNullLogger()
	}
	return e.Log
}

func scanPartitions(disk Disk) ([]Partition, error) {
	size, err := disk.Size()
	if err != nil {
		return nil, err
	}
	parts, err := ParseGPT(disk, size)
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// Push scans the disk, uploads any chunk the server doesn't already
// have, and publishes the resulting manifest under name.
func (e *Engine) Push(name string, bootOptionID uint32, bootEntry []byte) (wire.Image, error) {
	parts, err := scanPartitions(e.Disk)
	if err != nil {
		return wire.Image{}, err
	}

	var img wire.Image
	img.BootOptionID = bootOptionID
	img.BootEntry = bootEntry

	for _, p := range parts {
		var allocated []byteRange
		if p.Kind != KindRaw {
			allocated = allocatedRegions(e.Disk, p)
		}
		for _, region := range candidateChunks(p, allocated) {
			desc, err := e.pushRegion(region)
			if err != nil {
				return wire.Image{}, err
			}
			img.Disk = append(img.Disk, desc)
		}
	}

	if err := e.TCP.UploadImage(name, img); err != nil {
		return wire.Image{}, err
	}
	return img, nil
}

func (e *Engine) pushRegion(region byteRange) (wire.ChunkDesc, error) {
	size := region.End - region.Start
	buf := make([]byte, size)
	if _, err := e.Disk.ReadAt(buf, int64(region.Start)); err != nil {
		return wire.ChunkDesc{}, perrors.NewIOError("read disk region", err)
	}

	hash := wire.ChunkHash(blake3.Sum256(buf))

	csize, err := e.TCP.GetChunkSize(hash)
	if err != nil {
		return wire.ChunkDesc{}, err
	}
	if csize == 0 {
		compressed, err := compressLZ4(buf)
		if err != nil {
			return wire.ChunkDesc{}, err
		}
		if err := e.TCP.UploadChunk(hash, compressed); err != nil {
			return wire.ChunkDesc{}, err
		}
		csize = uint32(len(compressed))
	}

	return wire.ChunkDesc{Hash: hash, Start: region.Start, Size: uint32(size), CSize: csize}, nil
}

// Pull fetches name's manifest and restores it onto the disk, skipping
// any chunk whose region already matches.
func (e *Engine) Pull(name string, conn *net.UDPConn, serverAddr *net.UDPAddr) error {
	e.ChunksFetched = 0
	img, err := e.TCP.GetImage(name)
	if err != nil {
		return err
	}

	rb := rebuilder.New(e.logger())
	needed := make(map[wire.ChunkHash][]wire.ChunkDesc)

	for _, desc := range img.Disk {
		buf := make([]byte, desc.Size)
		if _, err := e.Disk.ReadAt(buf, int64(desc.Start)); err != nil {
			return perrors.NewIOError("read disk region for diff", err)
		}
		if wire.ChunkHash(blake3.Sum256(buf)) == desc.Hash {
			continue // region already matches, nothing to fetch
		}
		if descs, dup := needed[desc.Hash]; dup {
			// Same chunk at another offset: fetched once, written at each start.
			needed[desc.Hash] = append(descs, desc)
			continue
		}
		needed[desc.Hash] = []wire.ChunkDesc{desc}
		rb.Want(desc.Hash, desc.Size)

		req := wire.EncodeDataRequest(wire.DataRequest{Hash: desc.Hash, Start: 0, Length: desc.Size})
		if _, err := conn.WriteToUDP(req, serverAddr); err != nil {
			return perrors.NewIOError("send chunk request", err)
		}
	}

	if len(needed) == 0 {
		e.logger().Info("disk scanned; 0 chunks to fetch")
		return nil
	}

	return e.drainRebuild(rb, needed, conn, serverAddr)
}

// drainRebuild reads UDP packets and watchdog-retransmits until every
// needed chunk is written, then returns.
func (e *Engine) drainRebuild(rb *rebuilder.Rebuilder, needed map[wire.ChunkHash][]wire.ChunkDesc, conn *net.UDPConn, serverAddr *net.UDPAddr) error {
	buf := make([]byte, constants.PacketLen)
	total := len(needed)
	remaining := total

	for remaining > 0 {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err == nil {
			h, derr := wire.DecodeHeader(buf[:n])
			if derr == nil && h.Tag == constants.MsgDataPacket {
				if pkt, perr := wire.DecodeDataPacket(h, buf[constants.HeaderLen:n]); perr == nil {
					rb.HandlePacket(pkt)
				}
			}
		}

		select {
		case c := <-rb.Completed:
			for _, desc := range needed[c.Hash] {
				if _, err := e.Disk.WriteAt(c.Data, int64(desc.Start)); err != nil {
					return perrors.NewIOError("write flashed chunk", err)
				}
			}
			e.ChunksFetched++
			delete(needed, c.Hash)
			remaining--
			e.reportProgress(conn, serverAddr, uint32(100*(total-remaining)/total))
			continue
		case <-rb.Aborted:
			// Two consecutive integrity failures for the same chunk abort
			// the whole action so the caller reports ActionComplete{error}.
			// Chunks already written stay written; the disk is left
			// consistent.
			return perrors.NewIntegrityError("chunk failed verification twice; aborting pull", nil)
		default:
		}

		for _, req := range rb.Watchdog(time.Now()) {
			_ = rebuilder.SendRetransmits(conn, serverAddr, []rebuilder.RetransmitRequest{req})
		}
	}
	return nil
}

// reportProgress sends a best-effort ActionProgress packet; a lost one
// is just a stale progress bar until the next chunk completes.
func (e *Engine) reportProgress(conn *net.UDPConn, serverAddr *net.UDPAddr, percent uint32) {
	if e.MAC == ([6]byte{}) {
		return
	}
	pkt := wire.EncodeActionProgress(wire.ActionProgressPacket{MAC: e.MAC, Progress: percent})
	_, _ = conn.WriteToUDP(pkt, serverAddr)
}

func compressLZ4(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, perrors.NewIOError("compress chunk", err)
	}
	if err := w.Close(); err != nil {
		return nil, perrors.NewIOError("close lz4 writer", err)
	}
	return buf.Bytes(), nil
}
