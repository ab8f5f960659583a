package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sanskarpan/File-Share/pkg/logger"
)

// Metrics holds transfer counters for one node.
type Metrics struct {
	bytesServed     int64
	chunksServed    int64
	bytesFetched    int64
	downloadsOK     int64
	downloadsFailed int64
	start           time.Time

	log *zap.SugaredLogger
}

func New(log *zap.SugaredLogger) *Metrics {
	if log == nil {
		log = logger.Sugar
	}
	return &Metrics{start: time.Now(), log: log}
}

// RecordServed accounts bytes pushed to a remote peer as one chunk.
func (m *Metrics) RecordServed(bytes int64) {
	atomic.AddInt64(&m.bytesServed, bytes)
	atomic.AddInt64(&m.chunksServed, 1)
}

// RecordFetched accounts bytes received from a remote peer.
func (m *Metrics) RecordFetched(bytes int64) {
	atomic.AddInt64(&m.bytesFetched, bytes)
}

func (m *Metrics) RecordDownload(ok bool) {
	if ok {
		atomic.AddInt64(&m.downloadsOK, 1)
	} else {
		atomic.AddInt64(&m.downloadsFailed, 1)
	}
}

func (m *Metrics) BytesServed() int64  { return atomic.LoadInt64(&m.bytesServed) }
func (m *Metrics) BytesFetched() int64 { return atomic.LoadInt64(&m.bytesFetched) }

// LogPeriodic logs runtime metrics until quit closes.
func (m *Metrics) LogPeriodic(interval time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)

			elapsed := time.Since(m.start).Seconds()
			var throughput float64
			if elapsed > 0 {
				throughput = float64(m.BytesServed()+m.BytesFetched()) / elapsed / 1024 / 1024
			}

			m.log.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Served=%d | Fetched=%d | Throughput=%.2fMB/s | Downloads=%d ok / %d failed",
				runtime.NumGoroutine(),
				ms.HeapAlloc/1024/1024,
				m.BytesServed(),
				m.BytesFetched(),
				throughput,
				atomic.LoadInt64(&m.downloadsOK),
				atomic.LoadInt64(&m.downloadsFailed),
			)
		}
	}
}
