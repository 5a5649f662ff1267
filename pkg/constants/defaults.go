// Package constants defines Pixie's wire constants and defaults.
package constants

import "time"

// Chunking.
const (
	// ChunkSize is the maximum uncompressed size of a chunk; only the
	// final chunk of a contiguous region may be smaller.
	ChunkSize = 4 * 1024 * 1024 // 4 MiB

	// HashSize is the length in bytes of a BLAKE3-256 chunk hash.
	HashSize = 32
)

// UDP wire layout. Pixie uses the modern 32-byte BLAKE3 variant;
// implementations MUST NOT mix it with the legacy 28-byte SHA-224 layout.
const (
	PacketLen = 1472
	HeaderLen = 36
	BodyLen   = PacketLen - HeaderLen
)

// UDP message types, client -> server. ActionProgress and ActionComplete
// are the two control messages routed over UDP alongside the chunk
// request/response pair.
const (
	MsgChunkListRequest uint32 = 1
	MsgDataRequest      uint32 = 2
	MsgActionProgress   uint32 = 3
	MsgActionComplete   uint32 = 4
)

// UDP message types, server -> client. Tags are reused with an opposite
// direction, matching the legacy protocol this preserves.
const (
	MsgChunkListInfo uint32 = 1
	MsgDataPacket    uint32 = 2
)

// Timing.
const (
	// ClientTimeout is how long a chunk may go without a fresh byte
	// before the client fully re-requests it.
	ClientTimeout = 5 * time.Second

	// TCPIdleTimeout drops a TCP request with no progress.
	TCPIdleTimeout = 30 * time.Second

	// HintInterval is the cadence of the server's HintPacket broadcast.
	HintInterval = 1 * time.Second

	// MaxRetransmitRequestsPerTick bounds how many (start,length) gap
	// requests the rebuilder watchdog emits per pass, to avoid a
	// request storm on a large deficit.
	MaxRetransmitRequestsPerTick = 32
)

// Ports. PIXIE_HTTP_PORT / PIXIE_HTTP_ADDR override the HTTP ones.
const (
	DefaultHTTPPort = 80
	DefaultHTTPAddr = "0.0.0.0"
	DefaultTCPPort  = 6969
	DefaultUDPPort  = 6970
	DefaultHintPort = 6971
)

// Environment variable names.
const (
	EnvHTTPPort = "PIXIE_HTTP_PORT"
	EnvHTTPAddr = "PIXIE_HTTP_ADDR"
)
