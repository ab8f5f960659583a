package client

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sanskarpan/File-Share/pkg/fileindex"
	"github.com/sanskarpan/File-Share/pkg/logger"
	"github.com/sanskarpan/File-Share/pkg/monitor"
	"github.com/sanskarpan/File-Share/pkg/protocol"
)

// download couples a progress record with the connection carrying it so an
// administrative cancel can close the socket out from under the loop.
type download struct {
	progress  *DownloadProgress
	conn      net.Conn
	cancelled atomic.Bool
}

// Engine runs outbound downloads and owns the active-downloads map.
type Engine struct {
	mu      sync.Mutex
	active  map[string]*download
	metrics *monitor.Metrics
	log     *zap.SugaredLogger
}

func NewEngine(metrics *monitor.Metrics, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = logger.Sugar
	}
	return &Engine{
		active:  make(map[string]*download),
		metrics: metrics,
		log:     log,
	}
}

// Download fetches filename from the peer at addr into destination,
// streaming FILE_CHUNK frames until FILE_COMPLETE. The returned error is
// also recorded on the progress entry, or "cancelled" when Cancel closed
// the connection.
func (e *Engine) Download(addr, filename, destination string) error {
	c, err := Dial(addr, e.log)
	if err != nil {
		d := e.register(filename, nil)
		d.progress.fail(err.Error())
		return err
	}
	defer c.Close()

	d := e.register(filename, c.conn)
	if err := e.run(c, d, filename, destination); err != nil {
		if d.cancelled.Load() {
			d.progress.fail("cancelled")
		} else {
			d.progress.fail(err.Error())
		}
		if e.metrics != nil {
			e.metrics.RecordDownload(false)
		}
		e.log.Errorf("[Engine] download failed: file=%s peer=%s err=%v", filename, addr, err)
		return err
	}
	d.progress.complete()
	if e.metrics != nil {
		e.metrics.RecordDownload(true)
	}
	e.log.Infof("[Engine] download complete: file=%s peer=%s bytes=%d", filename, addr, d.progress.Snapshot().DownloadedSize)
	return nil
}

func (e *Engine) run(c *Client, d *download, filename, destination string) error {
	frame, err := protocol.NewFileRequest(filename, 0, 0)
	if err != nil {
		return err
	}
	if err := c.send(frame); err != nil {
		return err
	}

	if dir := filepath.Dir(destination); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return protocol.Errf(protocol.PermissionDenied, "create %s: %v", dir, err)
		}
	}
	out, err := os.Create(destination)
	if err != nil {
		return protocol.Errf(protocol.PermissionDenied, "create %s: %v", destination, err)
	}
	defer out.Close()

	for {
		t, payload, err := c.readFrame()
		if err != nil {
			return err
		}
		switch t {
		case protocol.FileChunk:
			_, data, err := protocol.ParseFileChunk(payload)
			if err != nil {
				return err
			}
			if _, err := out.Write(data); err != nil {
				return protocol.Errf(protocol.PermissionDenied, "write %s: %v", destination, err)
			}
			d.progress.addBytes(uint64(len(data)))
			if e.metrics != nil {
				e.metrics.RecordFetched(int64(len(data)))
			}
		case protocol.FileComplete:
			return out.Close()
		case protocol.ErrorMessage:
			code, msg, perr := protocol.ParseErrorMessage(payload)
			if perr != nil {
				return perr
			}
			return protocol.Errf(code, "%s", msg)
		default:
			return protocol.Errf(protocol.ProtocolError, "unexpected %s during download", t)
		}
	}
}

// DownloadMultiSource tries candidate peers in order; the first success
// wins. When expectedHash is set, the received file must verify against it.
func (e *Engine) DownloadMultiSource(filename, destination string, sources []string, expectedHash string) error {
	if len(sources) == 0 {
		return protocol.Errf(protocol.FileNotFound, "no peers advertise %s", filename)
	}
	var lastErr error
	for _, addr := range sources {
		if err := e.Download(addr, filename, destination); err != nil {
			lastErr = err
			continue
		}
		if expectedHash != "" {
			if ok := fileindex.Validate(destination, expectedHash); !ok {
				lastErr = protocol.Errf(protocol.ProtocolError, "hash mismatch for %s from %s", filename, addr)
				e.log.Warnf("[Engine] %v", lastErr)
				continue
			}
		}
		return nil
	}
	return lastErr
}

func (e *Engine) register(filename string, conn net.Conn) *download {
	d := &download{progress: newProgress(filename), conn: conn}
	e.mu.Lock()
	e.active[filename] = d
	e.mu.Unlock()
	return d
}

// Progress returns the snapshot for one download, if known.
func (e *Engine) Progress(filename string) (ProgressSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.active[filename]
	if !ok {
		return ProgressSnapshot{}, false
	}
	return d.progress.Snapshot(), true
}

// Snapshots lists every tracked download, terminal ones included.
func (e *Engine) Snapshots() []ProgressSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ProgressSnapshot, 0, len(e.active))
	for _, d := range e.active {
		out = append(out, d.progress.Snapshot())
	}
	return out
}

// Cancel closes the socket under an in-flight download; the loop observes
// the read error and marks the progress failed with "cancelled".
func (e *Engine) Cancel(filename string) bool {
	e.mu.Lock()
	d, ok := e.active[filename]
	e.mu.Unlock()
	if !ok || d.conn == nil || d.progress.Completed() || d.progress.Failed() {
		return false
	}
	d.cancelled.Store(true)
	_ = d.conn.Close()
	return true
}

// IsNetworkError reports whether err carries the NETWORK_ERROR class.
func IsNetworkError(err error) bool {
	var we *protocol.WireError
	return errors.As(err, &we) && we.Code == protocol.NetworkError
}
