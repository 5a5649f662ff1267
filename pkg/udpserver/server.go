// Package udpserver implements the server side of the UDP chunk
// transport: per-group rate-limited chunk delivery plus a periodic
// HintPacket broadcast.
package udpserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/olimpiadi-informatica/pixie/pkg/chunkstore"
	"github.com/olimpiadi-informatica/pixie/pkg/codec/cborcanon"
	"github.com/olimpiadi-informatica/pixie/pkg/constants"
	"github.com/olimpiadi-informatica/pixie/pkg/fleet"
	"github.com/olimpiadi-informatica/pixie/pkg/image"
	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

// workItem is one (hash, start, length, dest) unit of sending work,
// deduplicated so the same request submitted twice is only serviced
// once.
type workItem struct {
	hash   wire.ChunkHash
	start  uint32
	length uint32
	dest   *net.UDPAddr
}

func workKey(w workItem) string {
	return fmt.Sprintf("%x:%d:%d:%s", w.hash[:], w.start, w.length, w.dest)
}

// groupLimiters tracks a per-group token bucket, the same getLimiter/
// lazily-create-on-first-use pattern used elsewhere in the stack for
// per-key rate limiting.
type groupLimiters struct {
	mu            sync.Mutex
	limiters      map[uint8]*rate.Limiter
	bitsPerSecond int64
}

func newGroupLimiters(bitsPerSecond int64) *groupLimiters {
	return &groupLimiters{limiters: make(map[uint8]*rate.Limiter), bitsPerSecond: bitsPerSecond}
}

func (g *groupLimiters) get(group uint8) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[group]
	if !ok {
		// burst of one full packet's worth of bits so a single send is
		// never starved by its own token cost.
		l = rate.NewLimiter(rate.Limit(g.bitsPerSecond), constants.PacketLen*8)
		g.limiters[group] = l
	}
	return l
}

// Server is the UDP chunk-transport server: one goroutine receives
// requests, one drains the dedup work queue and sends packets, and a
// third ticks the HintPacket broadcast.
type Server struct {
	Store *chunkstore.Store
	Image *image.Registry
	Fleet *fleet.State
	Log   hclog.Logger

	// Groups is the configured group-name -> numeric-ID map advertised in
	// every HintPacket, so a stateless client can resolve the
	// group it was provisioned with.
	Groups map[string]uint8

	limiters *groupLimiters

	mu      sync.Mutex
	pending map[string]workItem
	queue   chan workItem

	groupOf func(dest *net.UDPAddr) uint8
}

// NewServer constructs a Server with the given per-group send budget.
func NewServer(store *chunkstore.Store, img *image.Registry, fl *fleet.State, bitsPerSecond int64, groupOf func(*net.UDPAddr) uint8, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if groupOf == nil {
		groupOf = func(*net.UDPAddr) uint8 { return 0 }
	}
	return &Server{
		Store:    store,
		Image:    img,
		Fleet:    fl,
		Log:      log.Named("udpserver"),
		limiters: newGroupLimiters(bitsPerSecond),
		pending:  make(map[string]workItem),
		queue:    make(chan workItem, 4096),
		groupOf:  groupOf,
	}
}

// Run starts the receive loop, send worker, and hint broadcaster, and
// blocks until ctx is cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context, conn *net.UDPConn, hintConn *net.UDPConn, hintAddr *net.UDPAddr) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.receiveLoop(ctx, conn) })
	g.Go(func() error { return s.sendWorker(ctx, conn) })
	g.Go(func() error { return s.hintLoop(ctx, hintConn, hintAddr) })

	return g.Wait()
}

func (s *Server) receiveLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, constants.PacketLen)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.Log.Debug("udp read error", "error", err)
			continue
		}
		s.handlePacket(buf[:n], addr)
	}
}

func (s *Server) handlePacket(buf []byte, addr *net.UDPAddr) {
	if len(buf) < constants.HeaderLen {
		return // packets shorter than the header are dropped
	}
	h, err := wire.DecodeHeader(buf)
	if err != nil {
		return
	}
	body := buf[constants.HeaderLen:]

	switch h.Tag {
	case constants.MsgChunkListRequest:
		s.submitWork(workItem{hash: h.Hash, start: 0, length: 0, dest: addr})
	case constants.MsgDataRequest:
		req, err := wire.DecodeDataRequest(h, body)
		if err != nil {
			return
		}
		s.submitWork(workItem{hash: h.Hash, start: req.Start, length: req.Length, dest: addr})
	case constants.MsgActionProgress:
		p, err := wire.DecodeActionProgress(h, body)
		if err != nil {
			return
		}
		if err := s.Fleet.Progress(p.MAC, p.Progress, p.Msg); err != nil {
			s.Log.Debug("progress from unknown unit", "error", err)
		}
	case constants.MsgActionComplete:
		p, err := wire.DecodeActionComplete(h, body)
		if err != nil {
			return
		}
		if err := s.Fleet.ActionComplete(p.MAC, p.Error); err != nil {
			s.Log.Debug("action complete from unknown unit", "error", err)
		}
	}
}

// submitWork enqueues a work item, dropping it if an identical request
// is already pending.
func (s *Server) submitWork(w workItem) {
	s.mu.Lock()
	key := workKey(w)
	if _, exists := s.pending[key]; exists {
		s.mu.Unlock()
		return
	}
	s.pending[key] = w
	s.mu.Unlock()

	select {
	case s.queue <- w:
	default:
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}
}

func (s *Server) sendWorker(ctx context.Context, conn *net.UDPConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case w := <-s.queue:
			s.mu.Lock()
			delete(s.pending, workKey(w))
			s.mu.Unlock()
			s.serveWorkItem(ctx, conn, w)
		}
	}
}

func (s *Server) serveWorkItem(ctx context.Context, conn *net.UDPConn, w workItem) {
	data, err := s.Store.Get(w.hash)
	if err != nil {
		s.Log.Debug("chunk not available", "error", err)
		return
	}

	if w.length == 0 {
		// ChunkListRequest: reply with size only.
		info := wire.EncodeChunkListInfo(wire.ChunkListInfo{Hash: w.hash, Length: uint32(len(data))})
		s.sendPacket(ctx, conn, info, w)
		return
	}

	end := uint64(w.start) + uint64(w.length)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	if uint64(w.start) >= end {
		return
	}
	region := data[w.start:end]

	limiter := s.limiters.get(s.groupOf(w.dest))
	for off := 0; off < len(region); off += wire.MaxDataPayload {
		stop := off + wire.MaxDataPayload
		if stop > len(region) {
			stop = len(region)
		}
		payload := region[off:stop]
		pkt := wire.EncodeDataPacket(wire.DataPacket{
			Hash:    w.hash,
			Offset:  w.start + uint32(off),
			Payload: payload,
		})
		if err := limiter.WaitN(ctx, len(pkt)*8); err != nil {
			return
		}
		s.sendPacket(ctx, conn, pkt, w)
	}
}

func (s *Server) sendPacket(ctx context.Context, conn *net.UDPConn, pkt []byte, w workItem) {
	if _, err := conn.WriteToUDP(pkt, w.dest); err != nil {
		s.Log.Debug("udp send failed", "error", err) // transient, retried by the client
	}
}

func (s *Server) hintLoop(ctx context.Context, conn *net.UDPConn, dest *net.UDPAddr) error {
	// HintPacket is broadcast to a genuine multicast group when dest's
	// address is one, via golang.org/x/net/ipv4. A plain subnet broadcast
	// address falls back to a normal WriteToUDP below.
	var mconn *ipv4.PacketConn
	if dest.IP.To4() != nil && dest.IP.IsMulticast() {
		mconn = ipv4.NewPacketConn(conn)
		if err := mconn.SetMulticastTTL(1); err != nil {
			s.Log.Debug("set multicast ttl failed", "error", err)
			mconn = nil
		}
	}

	ticker := time.NewTicker(constants.HintInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.broadcastHint(conn, mconn, dest)
		}
	}
}

func (s *Server) broadcastHint(conn *net.UDPConn, mconn *ipv4.PacketConn, dest *net.UDPAddr) {
	images := make(map[string]wire.Image)
	for _, summary := range s.Image.List() {
		img, err := s.Image.Get(summary.Name)
		if err != nil {
			continue
		}
		images[summary.Name] = img
	}

	// unregistered counts fleet units that have never checked in (zero
	// LastPingTimestamp), so an operator watching hints can tell how much
	// of the fleet is still dark. Static leases with no fleet unit are not
	// counted.
	var unregistered uint8
	for _, u := range s.Fleet.Snapshot() {
		if u.LastPingTimestamp.IsZero() && unregistered < 255 {
			unregistered++
		}
	}

	hint := wire.HintPacket{Images: images, Groups: s.Groups, Unregistered: unregistered}
	data, err := cborcanon.Marshal(hint)
	if err != nil {
		s.Log.Debug("encode hint packet failed", "error", err)
		return
	}

	if mconn != nil {
		if _, err := mconn.WriteTo(data, nil, dest); err != nil {
			s.Log.Debug("multicast hint broadcast failed", "error", err)
		}
		return
	}
	if _, err := conn.WriteToUDP(data, dest); err != nil {
		s.Log.Debug("hint broadcast failed", "error", err)
	}
}

