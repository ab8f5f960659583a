package protocol

import "encoding/binary"

// Payload encodings. All integers inside a payload are network byte order;
// a string is a u32 length followed by that many UTF-8 bytes.

func appendUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// payloadReader walks a payload, failing with PROTOCOL_ERROR on truncation.
type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, Errf(ProtocolError, "truncated u32 at offset %d", r.off)
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *payloadReader) byteVal() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, Errf(ProtocolError, "truncated byte at offset %d", r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *payloadReader) str() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if r.off+int(n) > len(r.buf) {
		return "", Errf(ProtocolError, "string of %d bytes overruns payload", n)
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *payloadReader) bytes(n uint32) ([]byte, error) {
	if r.off+int(n) > len(r.buf) {
		return nil, Errf(ProtocolError, "chunk of %d bytes overruns payload", n)
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b, nil
}

func NewPeerListRequest() []byte {
	frame, _ := Encode(PeerListRequest, nil)
	return frame
}

func NewPing() []byte {
	frame, _ := Encode(Ping, nil)
	return frame
}

func NewPong() []byte {
	frame, _ := Encode(Pong, nil)
	return frame
}

func NewFileComplete() []byte {
	frame, _ := Encode(FileComplete, nil)
	return frame
}

// NewPeerListResponse frames a list of serialized peer records.
func NewPeerListResponse(records []string) ([]byte, error) {
	payload := appendUint32(nil, uint32(len(records)))
	for _, rec := range records {
		payload = appendString(payload, rec)
	}
	return Encode(PeerListResponse, payload)
}

func ParsePeerListResponse(payload []byte) ([]string, error) {
	r := &payloadReader{buf: payload}
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	records := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, err := r.str()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// NewFileListRequest frames a request for a peer's file list. An empty
// peerID asks the serving node for its own index.
func NewFileListRequest(peerID string) ([]byte, error) {
	return Encode(FileListRequest, appendString(nil, peerID))
}

func ParseFileListRequest(payload []byte) (string, error) {
	r := &payloadReader{buf: payload}
	return r.str()
}

func NewFileListResponse(files []FileInfo) ([]byte, error) {
	payload := appendUint32(nil, uint32(len(files)))
	for _, f := range files {
		payload = appendString(payload, f.Name)
		payload = appendUint32(payload, uint32(f.Size))
		payload = appendString(payload, f.Hash)
		payload = appendUint32(payload, uint32(f.LastModified))
	}
	return Encode(FileListResponse, payload)
}

func ParseFileListResponse(payload []byte) ([]FileInfo, error) {
	r := &payloadReader{buf: payload}
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	files := make([]FileInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		var f FileInfo
		if f.Name, err = r.str(); err != nil {
			return nil, err
		}
		size, err := r.uint32()
		if err != nil {
			return nil, err
		}
		f.Size = uint64(size)
		if f.Hash, err = r.str(); err != nil {
			return nil, err
		}
		mod, err := r.uint32()
		if err != nil {
			return nil, err
		}
		f.LastModified = int64(mod)
		files = append(files, f)
	}
	return files, nil
}

// NewFileRequest frames a byte-range request. length 0 means the rest of
// the file starting at offset.
func NewFileRequest(filename string, offset, length uint32) ([]byte, error) {
	payload := appendString(nil, filename)
	payload = appendUint32(payload, offset)
	payload = appendUint32(payload, length)
	return Encode(FileRequest, payload)
}

func ParseFileRequest(payload []byte) (filename string, offset, length uint32, err error) {
	r := &payloadReader{buf: payload}
	if filename, err = r.str(); err != nil {
		return "", 0, 0, err
	}
	if offset, err = r.uint32(); err != nil {
		return "", 0, 0, err
	}
	if length, err = r.uint32(); err != nil {
		return "", 0, 0, err
	}
	return filename, offset, length, nil
}

func NewFileChunk(offset uint32, data []byte) ([]byte, error) {
	payload := appendUint32(nil, offset)
	payload = appendUint32(payload, uint32(len(data)))
	payload = append(payload, data...)
	return Encode(FileChunk, payload)
}

func ParseFileChunk(payload []byte) (offset uint32, data []byte, err error) {
	r := &payloadReader{buf: payload}
	if offset, err = r.uint32(); err != nil {
		return 0, nil, err
	}
	size, err := r.uint32()
	if err != nil {
		return 0, nil, err
	}
	if data, err = r.bytes(size); err != nil {
		return 0, nil, err
	}
	return offset, data, nil
}

func NewErrorMessage(code ErrorCode, message string) ([]byte, error) {
	payload := append([]byte{byte(code)}, appendString(nil, message)...)
	return Encode(ErrorMessage, payload)
}

func ParseErrorMessage(payload []byte) (ErrorCode, string, error) {
	r := &payloadReader{buf: payload}
	code, err := r.byteVal()
	if err != nil {
		return 0, "", err
	}
	msg, err := r.str()
	if err != nil {
		return 0, "", err
	}
	return ErrorCode(code), msg, nil
}
