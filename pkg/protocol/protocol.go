package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Wire constants shared by every node on the network.
const (
	MagicNumber uint32 = 0x50325032 // "P2P2"
	Version     uint32 = 1

	// HeaderSize is the exact on-wire header length:
	// magic(4) + version(4) + type(1) + pad(3) + payload_size(4) + checksum(4)
	HeaderSize = 20

	// MaxPayloadSize caps a single frame's payload at 10 MiB.
	MaxPayloadSize = 10 * 1024 * 1024

	// ChunkSize is the payload size used when streaming file data.
	ChunkSize = 8 * 1024
)

// MessageType tags a frame.
type MessageType uint8

const (
	PeerListRequest  MessageType = 1
	PeerListResponse MessageType = 2
	FileListRequest  MessageType = 3
	FileListResponse MessageType = 4
	FileRequest      MessageType = 5
	FileChunk        MessageType = 6
	FileComplete     MessageType = 7
	ErrorMessage     MessageType = 8
	Ping             MessageType = 9
	Pong             MessageType = 10
)

func (t MessageType) String() string {
	switch t {
	case PeerListRequest:
		return "PEER_LIST_REQUEST"
	case PeerListResponse:
		return "PEER_LIST_RESPONSE"
	case FileListRequest:
		return "FILE_LIST_REQUEST"
	case FileListResponse:
		return "FILE_LIST_RESPONSE"
	case FileRequest:
		return "FILE_REQUEST"
	case FileChunk:
		return "FILE_CHUNK"
	case FileComplete:
		return "FILE_COMPLETE"
	case ErrorMessage:
		return "ERROR_MESSAGE"
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// ErrorCode classifies failures both on the wire and internally.
type ErrorCode uint8

const (
	Success          ErrorCode = 0
	FileNotFound     ErrorCode = 1
	PermissionDenied ErrorCode = 2
	NetworkError     ErrorCode = 3
	ProtocolError    ErrorCode = 4
)

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case FileNotFound:
		return "FILE_NOT_FOUND"
	case PermissionDenied:
		return "PERMISSION_DENIED"
	case NetworkError:
		return "NETWORK_ERROR"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	default:
		return fmt.Sprintf("ERROR(%d)", uint8(c))
	}
}

// WireError carries an ErrorCode through Go error returns. Recoverable
// protocol and transfer failures are reported as *WireError so callers can
// map them straight onto ERROR_MESSAGE frames.
type WireError struct {
	Code    ErrorCode
	Message string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errf builds a WireError with a formatted message.
func Errf(code ErrorCode, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FileInfo describes a shared file. Path is empty when the record refers to
// a file on a remote peer.
type FileInfo struct {
	Name         string
	Path         string
	Size         uint64
	Hash         string
	LastModified int64
}

// Header is the decoded 20-byte frame header. Header fields are
// little-endian on the wire; payload integers are network byte order.
type Header struct {
	Type        MessageType
	PayloadSize uint32
	Checksum    uint32
}

// ParseHeader validates the fixed header without requiring the payload.
// The server state machine uses it to learn how many body bytes to expect.
func ParseHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, Errf(ProtocolError, "short header: %d bytes", len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != MagicNumber {
		return h, Errf(ProtocolError, "bad magic 0x%08x", magic)
	}
	if version := binary.LittleEndian.Uint32(buf[4:8]); version != Version {
		return h, Errf(ProtocolError, "unsupported version %d", version)
	}
	h.Type = MessageType(buf[8])
	h.PayloadSize = binary.LittleEndian.Uint32(buf[12:16])
	h.Checksum = binary.LittleEndian.Uint32(buf[16:20])
	if h.PayloadSize > MaxPayloadSize {
		return h, Errf(ProtocolError, "payload of %d bytes exceeds limit", h.PayloadSize)
	}
	return h, nil
}

// Encode frames a payload: header with computed CRC, then the payload.
func Encode(t MessageType, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, Errf(ProtocolError, "payload of %d bytes exceeds limit", len(payload))
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], MagicNumber)
	binary.LittleEndian.PutUint32(frame[4:8], Version)
	frame[8] = byte(t)
	// frame[9:12] stay zero: alignment padding carried on the wire
	binary.LittleEndian.PutUint32(frame[12:16], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[16:20], crc32.ChecksumIEEE(payload))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// Decode validates a complete frame and returns its type and payload.
func Decode(frame []byte) (MessageType, []byte, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return 0, nil, err
	}
	if len(frame) != HeaderSize+int(h.PayloadSize) {
		return 0, nil, Errf(ProtocolError, "frame length %d does not match declared payload %d", len(frame), h.PayloadSize)
	}
	payload := frame[HeaderSize:]
	if crc32.ChecksumIEEE(payload) != h.Checksum {
		return 0, nil, Errf(ProtocolError, "checksum mismatch")
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return h.Type, out, nil
}
