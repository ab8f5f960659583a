package server

import (
	"errors"
	"io"
	"os"

	"github.com/sanskarpan/File-Share/pkg/protocol"
)

// dispatch routes one complete frame. Replies are enqueued on the same
// connection before any later frame is considered, so responses stay FIFO.
func (s *Server) dispatch(c *conn, t protocol.MessageType, payload []byte) {
	switch t {
	case protocol.PeerListRequest:
		s.handlePeerListRequest(c)
	case protocol.FileListRequest:
		s.handleFileListRequest(c, payload)
	case protocol.FileRequest:
		s.handleFileRequest(c, payload)
	case protocol.Ping:
		s.queue(c, protocol.NewPong())
	case protocol.Pong:
		if s.registry != nil {
			s.registry.TouchByAddr(c.ip)
		}
	default:
		s.log.Warnf("[Server] unexpected frame: remote=%s type=%s", c.addr, t)
		s.queueError(c, protocol.ProtocolError, "unexpected message type "+t.String())
		c.closeAfterWrite = true
		s.flush(c)
	}
}

func (s *Server) handlePeerListRequest(c *conn) {
	var records []string
	if s.registry != nil {
		records = s.registry.Records()
	}
	frame, err := protocol.NewPeerListResponse(records)
	if err != nil {
		s.queueError(c, protocol.ProtocolError, err.Error())
		return
	}
	s.queue(c, frame)
}

func (s *Server) handleFileListRequest(c *conn, payload []byte) {
	peerID, err := protocol.ParseFileListRequest(payload)
	if err != nil {
		s.queueError(c, protocol.ProtocolError, err.Error())
		c.closeAfterWrite = true
		s.flush(c)
		return
	}

	var files []protocol.FileInfo
	if peerID == "" {
		files = s.index.List()
	} else if s.registry != nil {
		// Unknown peer answers with an empty list
		if snap, ok := s.registry.Get(peerID); ok {
			files = snap.Files
		}
	}

	frame, err := protocol.NewFileListResponse(files)
	if err != nil {
		s.queueError(c, protocol.ProtocolError, err.Error())
		return
	}
	s.queue(c, frame)
}

// handleFileRequest streams the named file as FILE_CHUNK frames followed by
// FILE_COMPLETE. offset is clamped to the file size; length 0 means the
// rest of the file. Any I/O error yields an ERROR_MESSAGE and no
// FILE_COMPLETE.
func (s *Server) handleFileRequest(c *conn, payload []byte) {
	name, offset, length, err := protocol.ParseFileRequest(payload)
	if err != nil {
		s.queueError(c, protocol.ProtocolError, err.Error())
		c.closeAfterWrite = true
		s.flush(c)
		return
	}

	info, err := s.index.Info(name)
	if err != nil {
		s.queueError(c, protocol.FileNotFound, "file not found: "+name)
		return
	}

	f, err := os.Open(info.Path)
	if err != nil {
		if os.IsPermission(err) {
			s.queueError(c, protocol.PermissionDenied, "cannot open "+name)
		} else {
			s.queueError(c, protocol.FileNotFound, "cannot open "+name)
		}
		return
	}
	defer f.Close()

	size := info.Size
	start := uint64(offset)
	if start > size {
		start = size
	}
	remaining := size - start
	if length > 0 && uint64(length) < remaining {
		remaining = uint64(length)
	}
	if _, err := f.Seek(int64(start), io.SeekStart); err != nil {
		s.queueError(c, protocol.FileNotFound, "seek failed for "+name)
		return
	}

	buf := make([]byte, protocol.ChunkSize)
	cursor := start
	for remaining > 0 {
		want := uint64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, err := f.Read(buf[:want])
		if n > 0 {
			frame, ferr := protocol.NewFileChunk(uint32(cursor), buf[:n])
			if ferr != nil {
				s.queueError(c, protocol.ProtocolError, ferr.Error())
				return
			}
			s.queue(c, frame)
			if _, open := s.lookupConn(c.fd); !open {
				return
			}
			cursor += uint64(n)
			remaining -= uint64(n)
			if s.metrics != nil {
				s.metrics.RecordServed(int64(n))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			s.queueError(c, protocol.PermissionDenied, "read failed for "+name)
			return
		}
	}

	s.queue(c, protocol.NewFileComplete())
	s.log.Infof("[Server] served %s to %s: offset=%d bytes=%d", name, c.addr, start, cursor-start)
}

func (s *Server) queueError(c *conn, code protocol.ErrorCode, message string) {
	frame, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		s.closeConn(c, "cannot encode error response")
		return
	}
	s.queue(c, frame)
}
