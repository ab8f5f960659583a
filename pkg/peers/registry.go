package peers

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sanskarpan/File-Share/pkg/client"
	"github.com/sanskarpan/File-Share/pkg/logger"
	"github.com/sanskarpan/File-Share/pkg/protocol"
)

const (
	// HeartbeatInterval paces the stale sweep and liveness probes.
	HeartbeatInterval = 30 * time.Second
	// StaleThreshold evicts peers not seen for this long.
	StaleThreshold = 5 * time.Minute

	bootstrapDelay = 2 * time.Second
)

// Registry maps peer_id -> Peer under a readers-writer discipline and runs
// the heartbeat loop between Start and Stop.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer

	bootstrap []string

	running atomic.Bool
	quit    chan struct{}
	wg      sync.WaitGroup

	// probe and fetch are injected so tests can run the heartbeat without
	// sockets; defaults dial with the client package.
	probe func(addr string) error
	fetch func(addr string) ([]string, error)

	log *zap.SugaredLogger
}

func NewRegistry(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = logger.Sugar
	}
	r := &Registry{
		peers: make(map[string]*Peer),
		quit:  make(chan struct{}),
		log:   log,
	}
	r.probe = func(addr string) error {
		c, err := client.Dial(addr, r.log)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Ping()
	}
	r.fetch = func(addr string) ([]string, error) {
		c, err := client.Dial(addr, r.log)
		if err != nil {
			return nil, err
		}
		defer c.Close()
		return c.RequestPeerList()
	}
	return r
}

// AddBootstrap appends a bootstrap endpoint; call before Start.
func (r *Registry) AddBootstrap(address string, port int) {
	r.bootstrap = append(r.bootstrap, fmt.Sprintf("%s:%d", address, port))
}

func (r *Registry) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.quit = make(chan struct{})
	r.wg.Add(1)
	go r.heartbeatLoop()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-time.After(bootstrapDelay):
		case <-r.quit:
			return
		}
		r.connectBootstrap()
	}()
}

func (r *Registry) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.quit)
	r.wg.Wait()
}

func (r *Registry) Add(p *Peer) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.peers[p.ID()] = p
	r.mu.Unlock()
	r.log.Infof("[Registry] added peer: id=%s addr=%s", p.ID(), p.Addr())
}

func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	_, ok := r.peers[peerID]
	delete(r.peers, peerID)
	r.mu.Unlock()
	if ok {
		r.log.Infof("[Registry] removed peer: id=%s", peerID)
	}
}

// Get returns a snapshot of the named peer.
func (r *Registry) Get(peerID string) (Snapshot, bool) {
	r.mu.RLock()
	p, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return p.snapshot(), true
}

func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.snapshot())
	}
	return out
}

func (r *Registry) Active() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Active() {
			out = append(out, p.snapshot())
		}
	}
	return out
}

// FindWithFile lists active peers advertising the named file.
func (r *Registry) FindWithFile(filename string) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Snapshot
	for _, p := range r.peers {
		if p.Active() && p.HasFile(filename) {
			out = append(out, p.snapshot())
		}
	}
	return out
}

// UpdateFileList replaces a peer's advertised list and bumps its lastSeen.
func (r *Registry) UpdateFileList(peerID string, files []protocol.FileInfo) error {
	r.mu.RLock()
	p, ok := r.peers[peerID]
	r.mu.RUnlock()
	if !ok {
		return protocol.Errf(protocol.FileNotFound, "unknown peer %s", peerID)
	}
	p.SetFiles(files)
	return nil
}

// TouchByAddr marks peers at the given IP active and bumps their lastSeen;
// the server calls it on inbound PONG frames where only the remote address
// is known.
func (r *Registry) TouchByAddr(ip string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.IP() == ip {
			p.SetActive(true)
		}
	}
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, p := range r.peers {
		if p.Active() {
			n++
		}
	}
	return n
}

func (r *Registry) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Records serializes every peer for a PEER_LIST_RESPONSE.
func (r *Registry) Records() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.Serialize())
	}
	return out
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.sweepStale()
			r.probePeers()
		}
	}
}

// sweepStale removes every peer unseen past StaleThreshold.
func (r *Registry) sweepStale() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.peers {
		if now.Sub(p.LastSeen()) > StaleThreshold {
			r.log.Infof("[Registry] evicting stale peer: id=%s addr=%s", id, p.Addr())
			delete(r.peers, id)
		}
	}
}

// probePeers pings every active peer; a failed probe marks the peer
// inactive but leaves it for the stale sweep.
func (r *Registry) probePeers() {
	for _, snap := range r.Active() {
		r.mu.RLock()
		p, ok := r.peers[snap.ID]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := r.probe(snap.Addr()); err != nil {
			r.log.Warnf("[Registry] probe failed: id=%s addr=%s err=%v", snap.ID, snap.Addr(), err)
			p.SetActive(false)
			continue
		}
		p.SetActive(true)
	}
}

// connectBootstrap pulls peer records from each configured endpoint.
// Failures log and never abort bootstrap.
func (r *Registry) connectBootstrap() {
	for _, addr := range r.bootstrap {
		records, err := r.fetch(addr)
		if err != nil {
			r.log.Warnf("[Registry] bootstrap failed: addr=%s err=%v", addr, err)
			continue
		}
		for _, rec := range records {
			p, err := Deserialize(rec)
			if err != nil {
				r.log.Warnf("[Registry] bad bootstrap record from %s: %v", addr, err)
				continue
			}
			r.Add(p)
		}
		r.log.Infof("[Registry] bootstrapped %d records from %s", len(records), addr)
	}
}
