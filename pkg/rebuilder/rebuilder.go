package rebuilder

import (
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"lukechampine.com/blake3"

	"github.com/olimpiadi-informatica/pixie/pkg/constants"
	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

// wantedChunk is the client's bookkeeping for one chunk it is currently
// assembling from UDP packets.
type wantedChunk struct {
	hash     wire.ChunkHash
	size     uint32
	missing  *missingBitmap
	buffer   []byte
	lastSeen time.Time

	consecutiveMismatches int
}

// Rebuilder tracks every chunk the client currently wants and turns
// incoming DataPackets into completed, BLAKE3-verified buffers.
type Rebuilder struct {
	log hclog.Logger

	mu     sync.Mutex
	wanted map[wire.ChunkHash]*wantedChunk

	// Completed delivers verified chunk bytes, one per finished hash.
	Completed chan CompletedChunk

	// Aborted delivers a hash that failed integrity twice in a row from
	// the same logical stream: the caller should abort the
	// action and report ActionComplete{error}.
	Aborted chan wire.ChunkHash
}

// CompletedChunk is a fully reassembled and verified chunk.
type CompletedChunk struct {
	Hash wire.ChunkHash
	Data []byte
}

// New constructs an empty Rebuilder.
func New(log hclog.Logger) *Rebuilder {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Rebuilder{
		log:       log.Named("rebuilder"),
		wanted:    make(map[wire.ChunkHash]*wantedChunk),
		Completed: make(chan CompletedChunk, 64),
		Aborted:   make(chan wire.ChunkHash, 16),
	}
}

// Want registers interest in hash, a chunk of the given uncompressed
// size. Calling Want again for an already-wanted hash resets it.
func (r *Rebuilder) Want(hash wire.ChunkHash, size uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wanted[hash] = &wantedChunk{
		hash:     hash,
		size:     size,
		missing:  newMissingBitmap(size),
		buffer:   make([]byte, size),
		lastSeen: time.Now(),
	}
}

// Forget removes hash from the wanted set, how an admin cancellation
// aborts the chunk's in-flight UDP requests.
func (r *Rebuilder) Forget(hash wire.ChunkHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.wanted, hash)
}

// HandlePacket applies one DataPacket to its wanted chunk, if any.
// Packets for unwanted chunks are dropped. Returns true if
// the packet belongs to a wanted chunk, even when it adds no new bytes.
func (r *Rebuilder) HandlePacket(pkt wire.DataPacket) bool {
	r.mu.Lock()
	w, ok := r.wanted[pkt.Hash]
	if !ok {
		r.mu.Unlock()
		return false
	}

	for i, b := range pkt.Payload {
		idx := pkt.Offset + uint32(i)
		if idx >= w.size {
			break
		}
		if w.missing.isMissing(idx) {
			w.missing.clear(idx)
			w.buffer[idx] = b
		} else if w.buffer[idx] != b {
			r.log.Debug("conflicting chunk byte", "hash", pkt.Hash, "offset", idx)
		}
	}
	w.lastSeen = time.Now()

	done := w.missing.done()
	if !done {
		r.mu.Unlock()
		return true
	}

	delete(r.wanted, pkt.Hash)
	r.mu.Unlock()

	r.verifyAndDeliver(w)
	return true
}

func (r *Rebuilder) verifyAndDeliver(w *wantedChunk) {
	sum := blake3.Sum256(w.buffer)
	if wire.ChunkHash(sum) == w.hash {
		r.Completed <- CompletedChunk{Hash: w.hash, Data: w.buffer}
		return
	}

	// Integrity failure: discard, reset, and re-request. Two
	// consecutive mismatches aborts the action.
	w.consecutiveMismatches++
	if w.consecutiveMismatches >= 2 {
		r.log.Warn("chunk failed integrity twice in a row", "hash", w.hash)
		r.Aborted <- w.hash
		return
	}

	w.buffer = make([]byte, w.size)
	w.missing.reset()
	w.lastSeen = time.Now()

	r.mu.Lock()
	r.wanted[w.hash] = w
	r.mu.Unlock()
}

// RetransmitRequest is a gap the watchdog wants resent.
type RetransmitRequest struct {
	Hash   wire.ChunkHash
	Start  uint32
	Length uint32
}

// Watchdog scans every chunk stale since ClientTimeout and returns at
// most constants.MaxRetransmitRequestsPerTick coalesced gap requests.
func (r *Rebuilder) Watchdog(now time.Time) []RetransmitRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []RetransmitRequest
	for _, w := range r.wanted {
		if now.Sub(w.lastSeen) < constants.ClientTimeout {
			continue
		}
		for _, rng := range w.missing.ranges() {
			if len(out) >= constants.MaxRetransmitRequestsPerTick {
				return out
			}
			out = append(out, RetransmitRequest{Hash: w.hash, Start: rng.Start, Length: rng.Length})
		}
	}
	return out
}

// SendRetransmits encodes and sends each request as a DataRequest packet
// to dest over conn.
func SendRetransmits(conn *net.UDPConn, dest *net.UDPAddr, reqs []RetransmitRequest) error {
	for _, req := range reqs {
		pkt := wire.EncodeDataRequest(wire.DataRequest{Hash: req.Hash, Start: req.Start, Length: req.Length})
		if _, err := conn.WriteToUDP(pkt, dest); err != nil {
			return perrors.NewIOError("send retransmit request", err)
		}
	}
	return nil
}
