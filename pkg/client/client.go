package client

import (
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/sanskarpan/File-Share/pkg/logger"
	"github.com/sanskarpan/File-Share/pkg/protocol"
)

// OpTimeout bounds every outbound socket operation.
const OpTimeout = 10 * time.Second

// Client is one short-lived outbound connection to a peer. It is not safe
// for concurrent use; each peer interaction gets its own Client.
type Client struct {
	conn net.Conn
	addr string
	log  *zap.SugaredLogger
}

// Dial connects to a peer. Failures are reported as NETWORK_ERROR.
func Dial(addr string, log *zap.SugaredLogger) (*Client, error) {
	if log == nil {
		log = logger.Sugar
	}
	conn, err := net.DialTimeout("tcp", addr, OpTimeout)
	if err != nil {
		return nil, protocol.Errf(protocol.NetworkError, "connect %s: %v", addr, err)
	}
	return &Client{conn: conn, addr: addr, log: log}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) send(frame []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(OpTimeout)); err != nil {
		return protocol.Errf(protocol.NetworkError, "set deadline: %v", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return protocol.Errf(protocol.NetworkError, "write %s: %v", c.addr, err)
	}
	return nil
}

// readFrame reads exactly one frame: fixed header, then the declared
// payload, CRC-checked.
func (c *Client) readFrame() (protocol.MessageType, []byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(OpTimeout)); err != nil {
		return 0, nil, protocol.Errf(protocol.NetworkError, "set deadline: %v", err)
	}
	frame := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return 0, nil, protocol.Errf(protocol.NetworkError, "read header from %s: %v", c.addr, err)
	}
	h, err := protocol.ParseHeader(frame)
	if err != nil {
		return 0, nil, err
	}
	if h.PayloadSize > 0 {
		body := make([]byte, h.PayloadSize)
		if _, err := io.ReadFull(c.conn, body); err != nil {
			return 0, nil, protocol.Errf(protocol.NetworkError, "read payload from %s: %v", c.addr, err)
		}
		frame = append(frame, body...)
	}
	return protocol.Decode(frame)
}

// RequestPeerList fetches the serving node's registry as serialized peer
// records.
func (c *Client) RequestPeerList() ([]string, error) {
	if err := c.send(protocol.NewPeerListRequest()); err != nil {
		return nil, err
	}
	t, payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	if t != protocol.PeerListResponse {
		return nil, protocol.Errf(protocol.ProtocolError, "expected PEER_LIST_RESPONSE, got %s", t)
	}
	return protocol.ParsePeerListResponse(payload)
}

// RequestFileList fetches a file list. Empty peerID asks for the serving
// node's own index.
func (c *Client) RequestFileList(peerID string) ([]protocol.FileInfo, error) {
	frame, err := protocol.NewFileListRequest(peerID)
	if err != nil {
		return nil, err
	}
	if err := c.send(frame); err != nil {
		return nil, err
	}
	t, payload, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	if t != protocol.FileListResponse {
		return nil, protocol.Errf(protocol.ProtocolError, "expected FILE_LIST_RESPONSE, got %s", t)
	}
	return protocol.ParseFileListResponse(payload)
}

// Ping sends PING and waits for the matching PONG.
func (c *Client) Ping() error {
	if err := c.send(protocol.NewPing()); err != nil {
		return err
	}
	t, _, err := c.readFrame()
	if err != nil {
		return err
	}
	if t != protocol.Pong {
		return protocol.Errf(protocol.ProtocolError, "expected PONG, got %s", t)
	}
	return nil
}

// Pong answers an inbound liveness probe.
func (c *Client) Pong() error {
	return c.send(protocol.NewPong())
}
