package peers

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanskarpan/File-Share/pkg/protocol"
)

// Peer is one known remote node. The registry exclusively owns Peer values;
// external holders see Snapshot copies.
type Peer struct {
	id   string
	ip   string
	port int

	mu       sync.RWMutex
	files    []protocol.FileInfo
	lastSeen time.Time

	active atomic.Bool
}

// Snapshot is the read-only view of a peer at one instant.
type Snapshot struct {
	ID       string
	IP       string
	Port     int
	Active   bool
	LastSeen time.Time
	Files    []protocol.FileInfo
}

func (s Snapshot) Addr() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

func NewPeer(id, ip string, port int) *Peer {
	p := &Peer{id: id, ip: ip, port: port, lastSeen: time.Now()}
	p.active.Store(true)
	return p
}

func (p *Peer) ID() string { return p.id }
func (p *Peer) IP() string { return p.ip }
func (p *Peer) Port() int  { return p.port }

func (p *Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.ip, p.port)
}

func (p *Peer) Active() bool {
	return p.active.Load()
}

// SetActive flips the liveness flag; a successful probe also counts as
// having seen the peer.
func (p *Peer) SetActive(active bool) {
	p.active.Store(active)
	if active {
		p.Touch()
	}
}

func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Peer) LastSeen() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeen
}

// AddFile inserts or replaces the record with the same filename.
func (p *Peer) AddFile(file protocol.FileInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.files {
		if p.files[i].Name == file.Name {
			p.files[i] = file
			return
		}
	}
	p.files = append(p.files, file)
}

func (p *Peer) RemoveFile(filename string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.files[:0]
	for _, f := range p.files {
		if f.Name != filename {
			kept = append(kept, f)
		}
	}
	p.files = kept
}

// SetFiles atomically replaces the advertised list and bumps lastSeen.
func (p *Peer) SetFiles(files []protocol.FileInfo) {
	copied := make([]protocol.FileInfo, len(files))
	copy(copied, files)
	p.mu.Lock()
	p.files = copied
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Peer) Files() []protocol.FileInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]protocol.FileInfo, len(p.files))
	copy(out, p.files)
	return out
}

func (p *Peer) HasFile(filename string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, f := range p.files {
		if f.Name == filename {
			return true
		}
	}
	return false
}

func (p *Peer) FileInfo(filename string) (protocol.FileInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, f := range p.files {
		if f.Name == filename {
			return f, nil
		}
	}
	return protocol.FileInfo{}, protocol.Errf(protocol.FileNotFound, "peer %s does not advertise %s", p.id, filename)
}

func (p *Peer) snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	files := make([]protocol.FileInfo, len(p.files))
	copy(files, p.files)
	return Snapshot{
		ID:       p.id,
		IP:       p.ip,
		Port:     p.port,
		Active:   p.active.Load(),
		LastSeen: p.lastSeen,
		Files:    files,
	}
}

// Serialize renders the pipe-separated record exchanged between bootstrap
// peers: id|ip|port|active|file_count followed by filename|size|hash
// triples.
func (p *Peer) Serialize() string {
	var sb strings.Builder
	activeFlag := "0"
	if p.active.Load() {
		activeFlag = "1"
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	fmt.Fprintf(&sb, "%s|%s|%d|%s|%d", p.id, p.ip, p.port, activeFlag, len(p.files))
	for _, f := range p.files {
		fmt.Fprintf(&sb, "|%s|%d|%s", f.Name, f.Size, f.Hash)
	}
	return sb.String()
}

// Deserialize parses a serialized peer record. Fewer than five leading
// tokens is a PROTOCOL_ERROR.
func Deserialize(data string) (*Peer, error) {
	tokens := strings.Split(data, "|")
	if len(tokens) < 5 {
		return nil, protocol.Errf(protocol.ProtocolError, "invalid peer record: %d tokens", len(tokens))
	}
	port, err := strconv.Atoi(tokens[2])
	if err != nil {
		return nil, protocol.Errf(protocol.ProtocolError, "invalid peer port %q", tokens[2])
	}
	fileCount, err := strconv.Atoi(tokens[4])
	if err != nil {
		return nil, protocol.Errf(protocol.ProtocolError, "invalid file count %q", tokens[4])
	}

	p := NewPeer(tokens[0], tokens[1], port)
	p.SetActive(tokens[3] == "1")

	idx := 5
	for i := 0; i < fileCount && idx+3 <= len(tokens); i++ {
		size, err := strconv.ParseUint(tokens[idx+1], 10, 64)
		if err != nil {
			return nil, protocol.Errf(protocol.ProtocolError, "invalid file size %q", tokens[idx+1])
		}
		p.AddFile(protocol.FileInfo{Name: tokens[idx], Size: size, Hash: tokens[idx+2]})
		idx += 3
	}
	return p, nil
}
