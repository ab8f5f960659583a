package discovery

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/sanskarpan/File-Share/pkg/logger"
)

const (
	// ServiceType is the mDNS service type advertised by fileshare nodes
	ServiceType = "_fileshare._tcp"
	Domain      = "local."

	// TXT record keys. id is required for a node to be registered; port,
	// when present, overrides the SRV port; files is informational.
	txtID    = "id"
	txtPort  = "port"
	txtFiles = "files"
)

// Announcement is what a node publishes about itself on the LAN.
type Announcement struct {
	NodeID string
	Port   int
	Files  int
}

// Sink receives nodes found on the LAN. The peer registry implements it
// through a thin adapter.
type Sink interface {
	Known(peerID string) bool
	Register(peerID, ip string, port int)
}

// Advertiser publishes this node over mDNS and keeps the published TXT
// records current as the shared index changes.
type Advertiser struct {
	server *zeroconf.Server
	ann    Announcement
	log    *zap.SugaredLogger
}

func NewAdvertiser(log *zap.SugaredLogger) *Advertiser {
	if log == nil {
		log = logger.Sugar
	}
	return &Advertiser{log: log}
}

func (a *Advertiser) Start(ann Announcement) error {
	instance := instanceName(ann.NodeID)
	server, err := zeroconf.Register(instance, ServiceType, Domain, ann.Port, txtRecords(ann), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	a.server = server
	a.ann = ann
	a.log.Infof("[Discovery] advertising %s: port=%d files=%d", instance, ann.Port, ann.Files)
	return nil
}

// UpdateFiles republishes the TXT records with the current shared-file
// count, so browsers see index changes without a reconnect.
func (a *Advertiser) UpdateFiles(files int) {
	if a.server == nil {
		return
	}
	a.ann.Files = files
	a.server.SetText(txtRecords(a.ann))
}

func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// instanceName combines hostname and the node's short id so two nodes on
// one machine advertise distinct instances.
func instanceName(nodeID string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	short := nodeID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("fileshare-%s-%s", host, short)
}

func txtRecords(ann Announcement) []string {
	return []string{
		txtID + "=" + ann.NodeID,
		txtPort + "=" + strconv.Itoa(ann.Port),
		txtFiles + "=" + strconv.Itoa(ann.Files),
	}
}

// Browser watches the LAN and feeds previously unseen fileshare nodes into
// the sink.
type Browser struct {
	resolver *zeroconf.Resolver
	self     string
	sink     Sink
	log      *zap.SugaredLogger
}

func NewBrowser(self string, sink Sink, log *zap.SugaredLogger) (*Browser, error) {
	if log == nil {
		log = logger.Sugar
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return &Browser{resolver: resolver, self: self, sink: sink, log: log}, nil
}

// Run browses until the context is cancelled.
func (b *Browser) Run(ctx context.Context) error {
	entries := make(chan *zeroconf.ServiceEntry)
	if err := b.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return fmt.Errorf("browse services: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			b.observe(entry)
		}
	}
}

// observe vets one mDNS entry. It must carry our TXT schema, must not be
// this node, and peers the registry already tracks are left alone — mDNS
// never overrides identities learned through bootstrap or an explicit
// connect.
func (b *Browser) observe(entry *zeroconf.ServiceEntry) {
	txt := parseTXT(entry.Text)
	id := txt[txtID]
	if id == "" || id == b.self {
		return
	}
	if len(entry.AddrIPv4) == 0 {
		return
	}
	// The advertised port wins over the mDNS SRV port: a node behind a
	// proxy may register the service on a different port than it serves.
	port := entry.Port
	if p, err := strconv.Atoi(txt[txtPort]); err == nil && p > 0 {
		port = p
	}
	if port <= 0 {
		return
	}
	if b.sink.Known(id) {
		return
	}
	ip := entry.AddrIPv4[0].String()
	b.sink.Register(id, ip, port)
	b.log.Infof("[Discovery] registered LAN peer: id=%s addr=%s:%d files=%s", id, ip, port, txt[txtFiles])
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		if k, v, ok := strings.Cut(rec, "="); ok {
			out[k] = v
		}
	}
	return out
}
