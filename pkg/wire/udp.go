package wire

import (
	"encoding/binary"

	"github.com/olimpiadi-informatica/pixie/pkg/constants"
	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
)

// UDP packet layout: every packet carries a fixed 36-byte envelope —
//
//	tag:u32 (4 bytes) | hash:[32]byte (32 bytes)
//
// — followed by a message-specific body of at most BodyLen bytes. This is
// the modern 32-byte-BLAKE3 variant; the legacy 28-byte SHA-224 layout is
// never produced or accepted by this implementation.
type Header struct {
	Tag  uint32
	Hash ChunkHash
}

// Encode writes the 36-byte header to a buffer of at least HeaderLen bytes.
func (h Header) Encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Tag)
	copy(buf[4:36], h.Hash[:])
}

// DecodeHeader parses the fixed header from the front of a received
// packet. Packets shorter than HeaderLen are rejected with a
// CodeShortPacket protocol error.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < constants.HeaderLen {
		return Header{}, perrors.NewProtocolError(perrors.CodeShortPacket, "packet shorter than header")
	}
	var h Header
	h.Tag = binary.BigEndian.Uint32(buf[0:4])
	copy(h.Hash[:], buf[4:36])
	return h, nil
}

// ChunkListRequest (tag=1, client->server): hash only, no body.
type ChunkListRequest struct {
	Hash ChunkHash
}

// EncodeChunkListRequest produces a full wire packet.
func EncodeChunkListRequest(req ChunkListRequest) []byte {
	buf := make([]byte, constants.HeaderLen)
	Header{Tag: constants.MsgChunkListRequest, Hash: req.Hash}.Encode(buf)
	return buf
}

// DataRequest (tag=2, client->server): start:u32, length:u32 in the body.
type DataRequest struct {
	Hash   ChunkHash
	Start  uint32
	Length uint32
}

// EncodeDataRequest produces a full wire packet.
func EncodeDataRequest(req DataRequest) []byte {
	buf := make([]byte, constants.HeaderLen+8)
	Header{Tag: constants.MsgDataRequest, Hash: req.Hash}.Encode(buf)
	binary.BigEndian.PutUint32(buf[36:40], req.Start)
	binary.BigEndian.PutUint32(buf[40:44], req.Length)
	return buf
}

// DecodeDataRequest parses a DataRequest body following a decoded header.
func DecodeDataRequest(h Header, body []byte) (DataRequest, error) {
	if len(body) < 8 {
		return DataRequest{}, perrors.NewProtocolError(perrors.CodeShortPacket, "short DataRequest body")
	}
	return DataRequest{
		Hash:   h.Hash,
		Start:  binary.BigEndian.Uint32(body[0:4]),
		Length: binary.BigEndian.Uint32(body[4:8]),
	}, nil
}

// ChunkListInfo (tag=1, server->client): length:u32 in the body.
type ChunkListInfo struct {
	Hash   ChunkHash
	Length uint32
}

// EncodeChunkListInfo produces a full wire packet.
func EncodeChunkListInfo(info ChunkListInfo) []byte {
	buf := make([]byte, constants.HeaderLen+4)
	Header{Tag: constants.MsgChunkListInfo, Hash: info.Hash}.Encode(buf)
	binary.BigEndian.PutUint32(buf[36:40], info.Length)
	return buf
}

// DecodeChunkListInfo parses a ChunkListInfo body following a decoded header.
func DecodeChunkListInfo(h Header, body []byte) (ChunkListInfo, error) {
	if len(body) < 4 {
		return ChunkListInfo{}, perrors.NewProtocolError(perrors.CodeShortPacket, "short ChunkListInfo body")
	}
	return ChunkListInfo{
		Hash:   h.Hash,
		Length: binary.BigEndian.Uint32(body[0:4]),
	}, nil
}

// DataPacket (tag=2, server->client): offset:u32, payload[<=BodyLen-4] in the body.
type DataPacket struct {
	Hash    ChunkHash
	Offset  uint32
	Payload []byte
}

// EncodeDataPacket produces a full wire packet. Payload must already be
// truncated to at most constants.BodyLen-4 bytes by the caller.
func EncodeDataPacket(pkt DataPacket) []byte {
	buf := make([]byte, constants.HeaderLen+4+len(pkt.Payload))
	Header{Tag: constants.MsgDataPacket, Hash: pkt.Hash}.Encode(buf)
	binary.BigEndian.PutUint32(buf[36:40], pkt.Offset)
	copy(buf[40:], pkt.Payload)
	return buf
}

// DecodeDataPacket parses a DataPacket body following a decoded header.
func DecodeDataPacket(h Header, body []byte) (DataPacket, error) {
	if len(body) < 4 {
		return DataPacket{}, perrors.NewProtocolError(perrors.CodeShortPacket, "short DataPacket body")
	}
	payload := make([]byte, len(body)-4)
	copy(payload, body[4:])
	return DataPacket{
		Hash:    h.Hash,
		Offset:  binary.BigEndian.Uint32(body[0:4]),
		Payload: payload,
	}, nil
}

// MaxDataPayload is the largest payload a DataPacket can carry within PacketLen.
const MaxDataPayload = constants.BodyLen - 4

// ActionProgressPacket (tag=3, client->server): mac[6], progress:u32,
// then an optional free-form message in the rest of the body. The header
// hash field is unused and zero.
type ActionProgressPacket struct {
	MAC      [6]byte
	Progress uint32
	Msg      string
}

// EncodeActionProgress produces a full wire packet.
func EncodeActionProgress(p ActionProgressPacket) []byte {
	msg := []byte(p.Msg)
	if len(msg) > constants.BodyLen-10 {
		msg = msg[:constants.BodyLen-10]
	}
	buf := make([]byte, constants.HeaderLen+10+len(msg))
	Header{Tag: constants.MsgActionProgress}.Encode(buf)
	copy(buf[36:42], p.MAC[:])
	binary.BigEndian.PutUint32(buf[42:46], p.Progress)
	copy(buf[46:], msg)
	return buf
}

// DecodeActionProgress parses an ActionProgressPacket body following a
// decoded header.
func DecodeActionProgress(h Header, body []byte) (ActionProgressPacket, error) {
	if len(body) < 10 {
		return ActionProgressPacket{}, perrors.NewProtocolError(perrors.CodeShortPacket, "short ActionProgress body")
	}
	var p ActionProgressPacket
	copy(p.MAC[:], body[0:6])
	p.Progress = binary.BigEndian.Uint32(body[6:10])
	p.Msg = string(body[10:])
	return p, nil
}

// ActionCompletePacket (tag=4, client->server): mac[6], then an optional
// error message in the rest of the body (empty on success).
type ActionCompletePacket struct {
	MAC   [6]byte
	Error string
}

// EncodeActionComplete produces a full wire packet.
func EncodeActionComplete(p ActionCompletePacket) []byte {
	msg := []byte(p.Error)
	if len(msg) > constants.BodyLen-6 {
		msg = msg[:constants.BodyLen-6]
	}
	buf := make([]byte, constants.HeaderLen+6+len(msg))
	Header{Tag: constants.MsgActionComplete}.Encode(buf)
	copy(buf[36:42], p.MAC[:])
	copy(buf[42:], msg)
	return buf
}

// DecodeActionComplete parses an ActionCompletePacket body following a
// decoded header.
func DecodeActionComplete(h Header, body []byte) (ActionCompletePacket, error) {
	if len(body) < 6 {
		return ActionCompletePacket{}, perrors.NewProtocolError(perrors.CodeShortPacket, "short ActionComplete body")
	}
	var p ActionCompletePacket
	copy(p.MAC[:], body[0:6])
	p.Error = string(body[6:])
	return p, nil
}
