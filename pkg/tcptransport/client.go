package tcptransport

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/olimpiadi-informatica/pixie/pkg/codec/cborcanon"
	"github.com/olimpiadi-informatica/pixie/pkg/constants"
	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
	"github.com/olimpiadi-informatica/pixie/pkg/wire"
)

// Client is a single-connection TCP client: requests are sent and
// answered in order on one persistent connection.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial opens a new connection to addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, constants.TCPIdleTimeout)
	if err != nil {
		return nil, perrors.NewIOError("dial tcp transport", err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) roundTrip(kind wire.TcpKind, body interface{}) (wire.TcpResponse, error) {
	c.conn.SetDeadline(time.Now().Add(constants.TCPIdleTimeout))

	req := wire.TcpRequest{Kind: kind, Body: cborcanon.MarshalToBytes(body)}
	if err := writeFrame(c.conn, cborcanon.MarshalToBytes(req)); err != nil {
		return wire.TcpResponse{}, err
	}

	raw, err := readFrame(c.r)
	if err != nil {
		return wire.TcpResponse{}, perrors.NewIOError("read tcp response", err)
	}
	var resp wire.TcpResponse
	if err := cborcanon.Unmarshal(raw, &resp); err != nil {
		return wire.TcpResponse{}, err
	}
	if !resp.OK {
		return wire.TcpResponse{}, fmt.Errorf("tcp request failed: %s", resp.Error)
	}
	return resp, nil
}

// GetImage fetches a manifest by name.
func (c *Client) GetImage(name string) (wire.Image, error) {
	resp, err := c.roundTrip(wire.KindGetImage, wire.GetImageRequest{Name: name})
	if err != nil {
		return wire.Image{}, err
	}
	var out wire.GetImageResponse
	if err := cborcanon.Unmarshal(resp.Body, &out); err != nil {
		return wire.Image{}, err
	}
	return out.Image, nil
}

// GetChunkSize asks whether the server already has hash; 0 means unknown.
func (c *Client) GetChunkSize(hash wire.ChunkHash) (uint32, error) {
	resp, err := c.roundTrip(wire.KindGetChunkSize, wire.GetChunkSizeRequest{Hash: hash})
	if err != nil {
		return 0, err
	}
	var out wire.GetChunkSizeResponse
	if err := cborcanon.Unmarshal(resp.Body, &out); err != nil {
		return 0, err
	}
	return out.CSize, nil
}

// UploadChunk uploads a single LZ4-compressed chunk.
func (c *Client) UploadChunk(hash wire.ChunkHash, compressed []byte) error {
	_, err := c.roundTrip(wire.KindUploadChunk, wire.UploadChunkRequest{Hash: hash, Compressed: compressed})
	return err
}

// UploadImage replaces a manifest by name.
func (c *Client) UploadImage(name string, img wire.Image) error {
	_, err := c.roundTrip(wire.KindUploadImage, wire.UploadImageRequest{Name: name, Image: img})
	return err
}

// Register establishes or updates a unit's coordinates, returning the
// assigned static IP if any.
func (c *Client) Register(mac [6]byte, group, row, col uint8) (string, error) {
	resp, err := c.roundTrip(wire.KindRegister, wire.RegisterRequest{MAC: mac, Group: group, Row: row, Col: col})
	if err != nil {
		return "", err
	}
	var out wire.RegisterResponse
	if err := cborcanon.Unmarshal(resp.Body, &out); err != nil {
		return "", err
	}
	return out.StaticIP, nil
}

// ActionComplete reports that a unit finished (or aborted) its action.
func (c *Client) ActionComplete(mac [6]byte, errMsg string) error {
	_, err := c.roundTrip(wire.KindActionComplete, wire.ActionCompleteRequest{MAC: mac, Error: errMsg})
	return err
}

// Poll reports progress on the unit's current action and retrieves the
// curr_action the server has assigned it.
func (c *Client) Poll(mac [6]byte, progress uint32, msg string) (wire.PollResponse, error) {
	resp, err := c.roundTrip(wire.KindPoll, wire.PollRequest{MAC: mac, Progress: progress, Msg: msg})
	if err != nil {
		return wire.PollResponse{}, err
	}
	var out wire.PollResponse
	if err := cborcanon.Unmarshal(resp.Body, &out); err != nil {
		return wire.PollResponse{}, err
	}
	return out, nil
}
