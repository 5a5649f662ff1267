// Package tcptransport implements the length-prefixed, canonical-CBOR
// framed TCP protocol: GetImage, GetChunkSize, UploadChunk,
// UploadImage, Register, Poll, and ActionComplete, used for bulk ordered
// transfer where UDP's loss recovery isn't worth reimplementing.
package tcptransport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/hashicorp/go-hclog"
	"lukechampine.com/blake3"

	"github.com/olimpiadi-informatica/pixie/pkg/chunkstore"
	"github.com/olimpiadi-informatica/pixie/pkg/codec/cborcanon"
	"github.com/olimpiadi-informatica/pixie/pkg/constants"
	"github.com/olimpiadi-informatica/pixie/pkg/fleet"
	"github.com/olimpiadi-informatica/pixie/pkg/image"
	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

const lengthPrefixBytes = 4
const maxFrameLen = 64 * 1024 * 1024

// Server accepts TCP connections and dispatches each framed request to
// the appropriate backing store. One connection may carry several
// pipelined requests in order.
type Server struct {
	Store *chunkstore.Store
	Image *image.Registry
	Fleet *fleet.State
	Log   hclog.Logger
}

// Serve accepts connections on ln until ctx is cancelled. Each
// connection is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := s.Log
	if log == nil {
		log = hclog.NewNullLogger()
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return perrors.NewIOError("tcp accept", err)
		}
		go s.handleConn(ctx, conn, log)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, log hclog.Logger) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		conn.SetDeadline(time.Now().Add(constants.TCPIdleTimeout))
		req, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("tcp connection closed", "error", err)
			}
			return
		}

		var treq wire.TcpRequest
		if err := cborcanon.Unmarshal(req, &treq); err != nil {
			writeFrame(conn, cborcanon.MarshalToBytes(encodeError(err)))
			return
		}

		resp := s.dispatch(ctx, treq, log)
		if err := writeFrame(conn, cborcanon.MarshalToBytes(resp)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req wire.TcpRequest, log hclog.Logger) wire.TcpResponse {
	switch req.Kind {
	case wire.KindGetImage:
		return s.handleGetImage(req)
	case wire.KindGetChunkSize:
		return s.handleGetChunkSize(req)
	case wire.KindUploadChunk:
		return s.handleUploadChunk(req)
	case wire.KindUploadImage:
		return s.handleUploadImage(req)
	case wire.KindRegister:
		return s.handleRegister(req)
	case wire.KindActionComplete:
		return s.handleActionComplete(req)
	case wire.KindPoll:
		return s.handlePoll(req)
	default:
		return encodeError(perrors.NewProtocolError(perrors.CodeUnknownMessageType, "unknown TCP request kind"))
	}
}

func (s *Server) handleGetImage(req wire.TcpRequest) wire.TcpResponse {
	var body wire.GetImageRequest
	if err := cborcanon.Unmarshal(req.Body, &body); err != nil {
		return encodeError(err)
	}
	img, err := s.Image.Get(body.Name)
	if err != nil {
		return encodeError(err)
	}
	return encodeOK(wire.GetImageResponse{Image: img})
}

func (s *Server) handleGetChunkSize(req wire.TcpRequest) wire.TcpResponse {
	var body wire.GetChunkSizeRequest
	if err := cborcanon.Unmarshal(req.Body, &body); err != nil {
		return encodeError(err)
	}
	return encodeOK(wire.GetChunkSizeResponse{CSize: s.Store.CSize(body.Hash)})
}

func (s *Server) handleUploadChunk(req wire.TcpRequest) wire.TcpResponse {
	var body wire.UploadChunkRequest
	if err := cborcanon.Unmarshal(req.Body, &body); err != nil {
		return encodeError(err)
	}
	if err := verifyChunkHash(body.Hash, body.Compressed); err != nil {
		return encodeError(err)
	}
	if _, err := s.Store.Put(body.Hash, body.Compressed); err != nil {
		return encodeError(err)
	}
	return encodeOK(nil)
}

func (s *Server) handleUploadImage(req wire.TcpRequest) wire.TcpResponse {
	var body wire.UploadImageRequest
	if err := cborcanon.Unmarshal(req.Body, &body); err != nil {
		return encodeError(err)
	}
	if err := s.Image.Put(body.Name, body.Image); err != nil {
		return encodeError(err)
	}
	return encodeOK(nil)
}

func (s *Server) handleRegister(req wire.TcpRequest) wire.TcpResponse {
	var body wire.RegisterRequest
	if err := cborcanon.Unmarshal(req.Body, &body); err != nil {
		return encodeError(err)
	}
	ip, err := s.Fleet.Register(body.MAC, body.Group, body.Row, body.Col)
	if err != nil {
		return encodeError(err)
	}
	return encodeOK(wire.RegisterResponse{StaticIP: ip})
}

func (s *Server) handleActionComplete(req wire.TcpRequest) wire.TcpResponse {
	var body wire.ActionCompleteRequest
	if err := cborcanon.Unmarshal(req.Body, &body); err != nil {
		return encodeError(err)
	}
	if err := s.Fleet.ActionComplete(body.MAC, body.Error); err != nil {
		return encodeError(err)
	}
	return encodeOK(nil)
}

func (s *Server) handlePoll(req wire.TcpRequest) wire.TcpResponse {
	var body wire.PollRequest
	if err := cborcanon.Unmarshal(req.Body, &body); err != nil {
		return encodeError(err)
	}
	action, err := s.Fleet.Poll(body.MAC, body.Progress, body.Msg)
	if err != nil {
		return encodeError(err)
	}
	return encodeOK(wire.PollResponse{
		ActionKind: uint8(action.Kind),
		Image:      action.Image,
		ChunksPort: action.ChunksPort,
		HintPort:   action.HintPort,
	})
}

// verifyChunkHash checks BLAKE3(decompress(compressed)) == hash; the
// server never trusts a client's claimed hash.
func verifyChunkHash(hash wire.ChunkHash, compressed []byte) error {
	data, err := decompressLZ4(compressed)
	if err != nil {
		return err
	}
	sum := blake3.Sum256(data)
	if wire.ChunkHash(sum) != hash {
		return perrors.NewIntegrityError("uploaded chunk hash mismatch", nil)
	}
	return nil
}

func encodeOK(v interface{}) wire.TcpResponse {
	if v == nil {
		return wire.TcpResponse{OK: true}
	}
	return wire.TcpResponse{OK: true, Body: cborcanon.MarshalToBytes(v)}
}

func encodeError(err error) wire.TcpResponse {
	return wire.TcpResponse{OK: false, Error: err.Error()}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixBytes]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, perrors.NewProtocolError(perrors.CodeShortPacket, "frame too large")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [lengthPrefixBytes]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return perrors.NewIOError("write tcp frame length", err)
	}
	if _, err := w.Write(data); err != nil {
		return perrors.NewIOError("write tcp frame body", err)
	}
	return nil
}
