package node

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sanskarpan/File-Share/pkg/client"
	"github.com/sanskarpan/File-Share/pkg/discovery"
	"github.com/sanskarpan/File-Share/pkg/fileindex"
	"github.com/sanskarpan/File-Share/pkg/logger"
	"github.com/sanskarpan/File-Share/pkg/monitor"
	"github.com/sanskarpan/File-Share/pkg/peers"
	"github.com/sanskarpan/File-Share/pkg/protocol"
	"github.com/sanskarpan/File-Share/pkg/server"
	"github.com/sanskarpan/File-Share/pkg/worker"
)

const (
	DefaultPort      = 8888
	DefaultDirectory = "./shared/"
	DefaultDownloads = "./downloads/"

	metricsInterval = 60 * time.Second
)

// Config carries the start-up parameters for one node.
type Config struct {
	Port        int
	Directory   string
	DownloadDir string
	Bootstrap   []string // "ip:port" endpoints
}

// Status is the snapshot returned to the administrative surface.
type Status struct {
	ID           string
	Port         int
	Directory    string
	SharedFiles  int
	TotalPeers   int
	ActivePeers  int
	Connections  int
	BytesServed  int64
	BytesFetched int64
	Downloads    int
}

// Node composes the file index, peer registry, event-driven server,
// download engine and LAN discovery behind the typed admin surface the CLI
// consumes.
type Node struct {
	id  string
	cfg Config

	index    *fileindex.Index
	registry *peers.Registry
	server   *server.Server
	engine   *client.Engine
	metrics  *monitor.Metrics

	advertiser   *discovery.Advertiser
	cancelBrowse context.CancelFunc

	pool *worker.Pool
	quit chan struct{}

	started atomic.Bool
	log     *zap.SugaredLogger
}

func New(cfg Config, log *zap.SugaredLogger) (*Node, error) {
	id := uuid.NewString()
	if log == nil {
		log = logger.ForNode(id)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Directory == "" {
		cfg.Directory = DefaultDirectory
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = DefaultDownloads
	}

	index, err := fileindex.New(cfg.Directory, log)
	if err != nil {
		return nil, fmt.Errorf("init shared directory: %w", err)
	}

	metrics := monitor.New(log)
	registry := peers.NewRegistry(log)
	for _, ep := range cfg.Bootstrap {
		host, port, ok := splitHostPort(ep)
		if !ok {
			log.Warnf("[Node] skipping malformed bootstrap endpoint %q", ep)
			continue
		}
		registry.AddBootstrap(host, port)
	}

	n := &Node{
		id:         id,
		cfg:        cfg,
		index:      index,
		registry:   registry,
		engine:     client.NewEngine(metrics, log),
		metrics:    metrics,
		advertiser: discovery.NewAdvertiser(log),
		pool:       worker.NewPool(0),
		quit:       make(chan struct{}),
		log:        log,
	}
	n.server = server.New(cfg.Port, index, registry, metrics, log)
	return n, nil
}

func splitHostPort(ep string) (string, int, bool) {
	for i := len(ep) - 1; i >= 0; i-- {
		if ep[i] == ':' {
			port, err := strconv.Atoi(ep[i+1:])
			if err != nil || port <= 0 {
				return "", 0, false
			}
			return ep[:i], port, true
		}
	}
	return "", 0, false
}

func (n *Node) ID() string {
	return n.id
}

// Start scans the shared directory, starts the server, the registry and
// LAN discovery. Server start failure is unrecoverable; discovery failures
// only log.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return nil
	}

	if err := n.index.Refresh(); err != nil {
		n.started.Store(false)
		return fmt.Errorf("scan shared directory: %w", err)
	}
	if err := n.server.Start(); err != nil {
		n.started.Store(false)
		return err
	}
	n.registry.Start()
	n.pool.Start()
	go n.drainPoolResults()
	go n.metrics.LogPeriodic(metricsInterval, n.quit)

	ann := discovery.Announcement{NodeID: n.id, Port: n.server.Port(), Files: len(n.index.List())}
	if err := n.advertiser.Start(ann); err != nil {
		n.log.Warnf("[Node] mDNS advertisement unavailable: %v", err)
	}
	n.startBrowsing()

	n.log.Infof("[Node] started: id=%s port=%d dir=%s", n.id, n.server.Port(), n.cfg.Directory)
	return nil
}

func (n *Node) Stop() {
	if !n.started.CompareAndSwap(true, false) {
		return
	}
	if n.cancelBrowse != nil {
		n.cancelBrowse()
	}
	n.advertiser.Stop()
	close(n.quit)
	n.pool.Stop()
	n.registry.Stop()
	n.server.Stop()
	n.log.Info("[Node] stopped")
}

// registrySink feeds LAN discoveries into the peer registry.
type registrySink struct {
	reg *peers.Registry
}

func (s registrySink) Known(peerID string) bool {
	_, ok := s.reg.Get(peerID)
	return ok
}

func (s registrySink) Register(peerID, ip string, port int) {
	s.reg.Add(peers.NewPeer(peerID, ip, port))
}

func (n *Node) startBrowsing() {
	browser, err := discovery.NewBrowser(n.id, registrySink{reg: n.registry}, n.log)
	if err != nil {
		n.log.Warnf("[Node] mDNS browsing unavailable: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.cancelBrowse = cancel
	go func() {
		if err := browser.Run(ctx); err != nil && ctx.Err() == nil {
			n.log.Warnf("[Node] mDNS browse stopped: %v", err)
		}
	}()
}

func (n *Node) drainPoolResults() {
	for res := range n.pool.Results() {
		if res.Err != nil {
			n.log.Errorf("[Node] background task failed: %v", res.Err)
		}
	}
}

// Peers lists every known peer.
func (n *Node) Peers() []peers.Snapshot {
	return n.registry.All()
}

// Files answers `files [local|peer_id]`: the local index for "" or
// "local", otherwise the named peer's advertised list.
func (n *Node) Files(target string) ([]protocol.FileInfo, error) {
	if target == "" || target == "local" {
		return n.index.List(), nil
	}
	snap, ok := n.registry.Get(target)
	if !ok {
		return nil, protocol.Errf(protocol.FileNotFound, "unknown peer %s", target)
	}
	return snap.Files, nil
}

type downloadJob struct {
	engine       *client.Engine
	filename     string
	destination  string
	sources      []string
	expectedHash string
}

func (j *downloadJob) Execute() error {
	return j.engine.DownloadMultiSource(j.filename, j.destination, j.sources, j.expectedHash)
}

// Get schedules a download of filename from peers advertising it. The call
// returns once the job is queued; Downloads tracks its progress.
func (n *Node) Get(filename, destination string) error {
	candidates := n.registry.FindWithFile(filename)
	if len(candidates) == 0 {
		return protocol.Errf(protocol.FileNotFound, "no known peer advertises %s", filename)
	}
	if destination == "" {
		destination = filepath.Join(n.cfg.DownloadDir, filename)
	}

	sources := make([]string, 0, len(candidates))
	expectedHash := ""
	for _, snap := range candidates {
		sources = append(sources, snap.Addr())
		if expectedHash == "" {
			for _, f := range snap.Files {
				if f.Name == filename {
					expectedHash = f.Hash
					break
				}
			}
		}
	}

	n.pool.Submit(&downloadJob{
		engine:       n.engine,
		filename:     filename,
		destination:  destination,
		sources:      sources,
		expectedHash: expectedHash,
	})
	n.log.Infof("[Node] queued download: file=%s sources=%d dest=%s", filename, len(sources), destination)
	return nil
}

// Share makes a file available: a path outside the shared directory is
// copied in, then the index is refreshed so the file is advertised.
func (n *Node) Share(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return protocol.Errf(protocol.FileNotFound, "cannot share %s: %v", path, err)
	}
	if !info.Mode().IsRegular() {
		return protocol.Errf(protocol.PermissionDenied, "not a regular file: %s", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dirAbs, err := filepath.Abs(n.cfg.Directory)
	if err != nil {
		return err
	}
	if !isWithin(dirAbs, abs) {
		if err := copyFile(abs, filepath.Join(n.cfg.Directory, info.Name())); err != nil {
			return protocol.Errf(protocol.PermissionDenied, "copy into shared directory: %v", err)
		}
	}
	return n.Refresh()
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// Connect probes ip:port, fetches the remote file list and registers the
// peer.
func (n *Node) Connect(ip string, port int) (peers.Snapshot, error) {
	addr := fmt.Sprintf("%s:%d", ip, port)
	c, err := client.Dial(addr, n.log)
	if err != nil {
		return peers.Snapshot{}, err
	}
	defer c.Close()

	if err := c.Ping(); err != nil {
		return peers.Snapshot{}, err
	}
	files, err := c.RequestFileList("")
	if err != nil {
		return peers.Snapshot{}, err
	}

	p := peers.NewPeer(addr, ip, port)
	p.SetFiles(files)
	n.registry.Add(p)
	snap, _ := n.registry.Get(addr)
	return snap, nil
}

// Refresh rescans the shared directory on demand and republishes the
// advertised file count.
func (n *Node) Refresh() error {
	if err := n.index.Refresh(); err != nil {
		return err
	}
	n.advertiser.UpdateFiles(len(n.index.List()))
	return nil
}

func (n *Node) Status() Status {
	return Status{
		ID:           n.id,
		Port:         n.server.Port(),
		Directory:    n.cfg.Directory,
		SharedFiles:  len(n.index.List()),
		TotalPeers:   n.registry.TotalCount(),
		ActivePeers:  n.registry.ActiveCount(),
		Connections:  n.server.ConnectionCount(),
		BytesServed:  n.metrics.BytesServed(),
		BytesFetched: n.metrics.BytesFetched(),
		Downloads:    len(n.engine.Snapshots()),
	}
}

func (n *Node) Downloads() []client.ProgressSnapshot {
	return n.engine.Snapshots()
}

func (n *Node) Cancel(filename string) bool {
	return n.engine.Cancel(filename)
}
