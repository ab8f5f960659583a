package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		msgType MessageType
		payload []byte
	}{
		{"empty ping", Ping, nil},
		{"empty pong", Pong, nil},
		{"small payload", FileChunk, []byte{0x01, 0x02, 0x03}},
		{"text payload", ErrorMessage, []byte("file not found: ghost.txt")},
		{"large payload", FileChunk, bytes.Repeat([]byte{0xAB}, 1<<20)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.msgType, tc.payload)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			gotType, gotPayload, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if gotType != tc.msgType {
				t.Fatalf("type mismatch: got %s want %s", gotType, tc.msgType)
			}
			if !bytes.Equal(gotPayload, tc.payload) {
				t.Fatalf("payload mismatch: got %d bytes want %d", len(gotPayload), len(tc.payload))
			}
		})
	}
}

func TestHeaderLayout(t *testing.T) {
	payload := []byte("abc")
	frame, err := Encode(FileRequest, payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(frame) != HeaderSize+len(payload) {
		t.Fatalf("frame length %d, want %d", len(frame), HeaderSize+len(payload))
	}
	if magic := binary.LittleEndian.Uint32(frame[0:4]); magic != MagicNumber {
		t.Fatalf("magic 0x%08x, want 0x%08x", magic, MagicNumber)
	}
	if version := binary.LittleEndian.Uint32(frame[4:8]); version != Version {
		t.Fatalf("version %d, want %d", version, Version)
	}
	if frame[8] != byte(FileRequest) {
		t.Fatalf("type byte %d, want %d", frame[8], FileRequest)
	}
	if frame[9] != 0 || frame[10] != 0 || frame[11] != 0 {
		t.Fatalf("padding bytes not zero: % x", frame[9:12])
	}
	if size := binary.LittleEndian.Uint32(frame[12:16]); size != uint32(len(payload)) {
		t.Fatalf("payload_size %d, want %d", size, len(payload))
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	frame, err := Encode(FileChunk, []byte("some chunk data to protect"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// Flipping any payload byte must fail the checksum
	for i := HeaderSize; i < len(frame); i++ {
		corrupted := append([]byte(nil), frame...)
		corrupted[i] ^= 0x01
		if _, _, err := Decode(corrupted); err == nil {
			t.Fatalf("Decode accepted corruption at offset %d", i)
		}
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, _, err := Decode(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("Decode accepted a short frame")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	frame, _ := Encode(Ping, nil)
	binary.LittleEndian.PutUint32(frame[0:4], 0xDEADBEEF)
	if _, _, err := Decode(frame); err == nil {
		t.Fatal("Decode accepted a bad magic")
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	frame, _ := Encode(Ping, nil)
	binary.LittleEndian.PutUint32(frame[4:8], 99)
	if _, _, err := Decode(frame); err == nil {
		t.Fatal("Decode accepted an unsupported version")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	frame, _ := Encode(FileChunk, []byte("payload"))
	if _, _, err := Decode(frame[:len(frame)-1]); err == nil {
		t.Fatal("Decode accepted a truncated frame")
	}
	if _, _, err := Decode(append(frame, 0x00)); err == nil {
		t.Fatal("Decode accepted trailing bytes")
	}
}

func TestDecodeRejectsOversizedDeclaration(t *testing.T) {
	frame, _ := Encode(Ping, nil)
	binary.LittleEndian.PutUint32(frame[12:16], MaxPayloadSize+1)
	_, _, err := Decode(frame)
	if err == nil {
		t.Fatal("Decode accepted an oversized payload declaration")
	}
	var we *WireError
	if !errors.As(err, &we) || we.Code != ProtocolError {
		t.Fatalf("expected PROTOCOL_ERROR, got %v", err)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	if _, err := Encode(FileChunk, make([]byte, MaxPayloadSize+1)); err == nil {
		t.Fatal("Encode accepted an oversized payload")
	}
}
