package server_test

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sanskarpan/File-Share/pkg/client"
	"github.com/sanskarpan/File-Share/pkg/fileindex"
	"github.com/sanskarpan/File-Share/pkg/monitor"
	"github.com/sanskarpan/File-Share/pkg/peers"
	"github.com/sanskarpan/File-Share/pkg/protocol"
	"github.com/sanskarpan/File-Share/pkg/server"
)

type testNode struct {
	srv      *server.Server
	index    *fileindex.Index
	registry *peers.Registry
	addr     string
	dir      string
}

// startNode brings up a server on an ephemeral port backed by a fresh
// shared directory.
func startNode(t *testing.T, files map[string][]byte) *testNode {
	t.Helper()
	log := zap.NewNop().Sugar()
	dir := t.TempDir()
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	index, err := fileindex.New(dir, log)
	if err != nil {
		t.Fatalf("fileindex.New: %v", err)
	}
	if err := index.Refresh(); err != nil {
		t.Fatalf("index.Refresh: %v", err)
	}

	registry := peers.NewRegistry(log)
	srv := server.New(0, index, registry, monitor.New(log), log)
	if err := srv.Start(); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	return &testNode{
		srv:      srv,
		index:    index,
		registry: registry,
		addr:     fmt.Sprintf("127.0.0.1:%d", srv.Port()),
		dir:      dir,
	}
}

func TestPingRoundTrip(t *testing.T) {
	n := startNode(t, nil)

	c, err := client.Dial(n.addr, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestFileListing(t *testing.T) {
	content := []byte("hello, world\n")
	n := startNode(t, map[string][]byte{"a.txt": content})

	c, err := client.Dial(n.addr, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	files, err := c.RequestFileList("")
	if err != nil {
		t.Fatalf("RequestFileList: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("listed %d files, want 1", len(files))
	}
	f := files[0]
	if f.Name != "a.txt" || f.Size != uint64(len(content)) {
		t.Fatalf("unexpected entry: %+v", f)
	}
	sum := sha256.Sum256(content)
	if f.Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("hash %s, want %s", f.Hash, hex.EncodeToString(sum[:]))
	}
}

func TestPeerListing(t *testing.T) {
	n := startNode(t, nil)
	remote := peers.NewPeer("remote-1", "10.0.0.10", 9000)
	remote.AddFile(protocol.FileInfo{Name: "x.bin", Size: 7, Hash: "abcd"})
	n.registry.Add(remote)

	c, err := client.Dial(n.addr, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	records, err := c.RequestPeerList()
	if err != nil {
		t.Fatalf("RequestPeerList: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	p, err := peers.Deserialize(records[0])
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if p.ID() != "remote-1" || !p.HasFile("x.bin") {
		t.Fatalf("record mismatch: %s", records[0])
	}
}

func TestFileListingForKnownPeer(t *testing.T) {
	n := startNode(t, nil)
	remote := peers.NewPeer("remote-2", "10.0.0.11", 9000)
	remote.AddFile(protocol.FileInfo{Name: "y.bin", Size: 9, Hash: "beef"})
	n.registry.Add(remote)

	c, err := client.Dial(n.addr, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	files, err := c.RequestFileList("remote-2")
	if err != nil {
		t.Fatalf("RequestFileList: %v", err)
	}
	if len(files) != 1 || files[0].Name != "y.bin" {
		t.Fatalf("unexpected listing: %+v", files)
	}

	// Unknown peers answer with an empty list, not an error
	files, err = c.RequestFileList("nobody")
	if err != nil {
		t.Fatalf("RequestFileList(unknown): %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("unknown peer listed %d files", len(files))
	}
}

func TestDownload(t *testing.T) {
	blob := make([]byte, 100*1024)
	if _, err := rand.Read(blob); err != nil {
		t.Fatalf("rand: %v", err)
	}
	n := startNode(t, map[string][]byte{"blob.bin": blob})

	dest := filepath.Join(t.TempDir(), "out.bin")
	engine := client.NewEngine(nil, zap.NewNop().Sugar())
	if err := engine.Download(n.addr, "blob.bin", dest); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatal("downloaded bytes differ from source")
	}

	snap, ok := engine.Progress("blob.bin")
	if !ok {
		t.Fatal("no progress record")
	}
	if !snap.Completed || snap.Failed {
		t.Fatalf("unexpected terminal flags: %+v", snap)
	}
	if snap.TotalSize != uint64(len(blob)) || snap.DownloadedSize != snap.TotalSize {
		t.Fatalf("size accounting wrong: %+v", snap)
	}
}

func TestDownloadNotFound(t *testing.T) {
	n := startNode(t, map[string][]byte{"real.txt": []byte("data")})

	dest := filepath.Join(t.TempDir(), "ghost.txt")
	engine := client.NewEngine(nil, zap.NewNop().Sugar())
	if err := engine.Download(n.addr, "ghost.txt", dest); err == nil {
		t.Fatal("download of a missing file succeeded")
	}

	snap, ok := engine.Progress("ghost.txt")
	if !ok {
		t.Fatal("no progress record")
	}
	if !snap.Failed || snap.Completed {
		t.Fatalf("unexpected terminal flags: %+v", snap)
	}
	if snap.ErrorMessage == "" {
		t.Fatal("failed download carries no error message")
	}

	// The server keeps serving other clients
	c, err := client.Dial(n.addr, nil)
	if err != nil {
		t.Fatalf("Dial after failure: %v", err)
	}
	defer c.Close()
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping after failure: %v", err)
	}
}

func TestFileRequestHonorsOffsetAndLength(t *testing.T) {
	content := []byte("hello, world\n")
	n := startNode(t, map[string][]byte{"a.txt": content})

	conn, err := net.Dial("tcp", n.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame, err := protocol.NewFileRequest("a.txt", 7, 5)
	if err != nil {
		t.Fatalf("NewFileRequest: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	var received []byte
	for {
		msgType, payload := readFrame(t, conn)
		if msgType == protocol.FileComplete {
			break
		}
		if msgType != protocol.FileChunk {
			t.Fatalf("unexpected frame %s", msgType)
		}
		_, data, err := protocol.ParseFileChunk(payload)
		if err != nil {
			t.Fatalf("ParseFileChunk: %v", err)
		}
		received = append(received, data...)
	}
	if want := content[7:12]; !bytes.Equal(received, want) {
		t.Fatalf("range read %q, want %q", received, want)
	}
}

func TestCorruptedFrameClosesOnlyThatConnection(t *testing.T) {
	n := startNode(t, nil)

	victim, err := net.Dial("tcp", n.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer victim.Close()

	frame := protocol.NewPing()
	corrupted := append([]byte(nil), frame...)
	corrupted[protocol.HeaderSize-1] ^= 0x01 // flip one checksum bit
	if _, err := victim.Write(corrupted); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The server closes the offending connection
	victim.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := victim.Read(buf); err == nil {
		t.Fatal("server answered a corrupted frame")
	}

	// Other connections remain functional
	c, err := client.Dial(n.addr, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping on healthy connection: %v", err)
	}
}

func TestUnknownTypeAnsweredAndClosed(t *testing.T) {
	n := startNode(t, nil)

	conn, err := net.Dial("tcp", n.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame, err := protocol.Encode(protocol.MessageType(200), nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	msgType, payload := readFrame(t, conn)
	if msgType != protocol.ErrorMessage {
		t.Fatalf("got %s, want ERROR_MESSAGE", msgType)
	}
	code, _, err := protocol.ParseErrorMessage(payload)
	if err != nil {
		t.Fatalf("ParseErrorMessage: %v", err)
	}
	if code != protocol.ProtocolError {
		t.Fatalf("code %s, want PROTOCOL_ERROR", code)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("connection stayed open after protocol error")
	}
}

func TestPipelinedFramesAnsweredInOrder(t *testing.T) {
	n := startNode(t, nil)

	conn, err := net.Dial("tcp", n.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Two PINGs in one write must yield two PONGs
	both := append(append([]byte(nil), protocol.NewPing()...), protocol.NewPing()...)
	if _, err := conn.Write(both); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 2; i++ {
		msgType, _ := readFrame(t, conn)
		if msgType != protocol.Pong {
			t.Fatalf("reply %d is %s, want PONG", i, msgType)
		}
	}
}

func TestConcurrentDownloads(t *testing.T) {
	blob := make([]byte, 1<<20)
	if _, err := rand.Read(blob); err != nil {
		t.Fatalf("rand: %v", err)
	}
	n := startNode(t, map[string][]byte{"big.bin": blob})

	outDir := t.TempDir()
	const clients = 10
	var wg sync.WaitGroup
	errs := make([]error, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engine := client.NewEngine(nil, zap.NewNop().Sugar())
			dest := filepath.Join(outDir, fmt.Sprintf("out-%d.bin", i))
			errs[i] = engine.Download(n.addr, "big.bin", dest)
		}(i)
	}
	wg.Wait()

	for i := 0; i < clients; i++ {
		if errs[i] != nil {
			t.Fatalf("download %d failed: %v", i, errs[i])
		}
		got, err := os.ReadFile(filepath.Join(outDir, fmt.Sprintf("out-%d.bin", i)))
		if err != nil {
			t.Fatalf("read output %d: %v", i, err)
		}
		if !bytes.Equal(got, blob) {
			t.Fatalf("download %d differs from source", i)
		}
	}
}

func TestMultiSourceFallsBackToNextPeer(t *testing.T) {
	blob := []byte("multi source payload")
	n := startNode(t, map[string][]byte{"m.bin": blob})

	// First candidate is unreachable; the second serves the file
	dead := "127.0.0.1:1"
	dest := filepath.Join(t.TempDir(), "m.bin")
	engine := client.NewEngine(nil, zap.NewNop().Sugar())

	sum := sha256.Sum256(blob)
	err := engine.DownloadMultiSource("m.bin", dest, []string{dead, n.addr}, hex.EncodeToString(sum[:]))
	if err != nil {
		t.Fatalf("DownloadMultiSource: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatal("multi-source result differs from source")
	}
}

// readFrame reads one frame from a raw connection.
func readFrame(t *testing.T, conn net.Conn) (protocol.MessageType, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	header := make([]byte, protocol.HeaderSize)
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := protocol.ParseHeader(header)
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	frame := header
	if h.PayloadSize > 0 {
		body := make([]byte, h.PayloadSize)
		if _, err := readFull(conn, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
		frame = append(frame, body...)
	}
	msgType, payload, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msgType, payload
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
