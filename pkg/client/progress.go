package client

import (
	"sync"
	"sync/atomic"
	"time"
)

// DownloadProgress tracks a single download. The owning download task is
// the only writer; query callers read snapshots. The terminal flags are
// atomic and sticky: exactly one of completed/failed ever becomes true.
type DownloadProgress struct {
	mu             sync.Mutex
	filename       string
	totalSize      uint64
	downloadedSize uint64
	speedMbps      float64
	startTime      time.Time
	lastSpeedCalc  time.Time
	errorMessage   string

	completed atomic.Bool
	failed    atomic.Bool
}

// ProgressSnapshot is the read-only view handed to callers.
type ProgressSnapshot struct {
	Filename       string
	TotalSize      uint64
	DownloadedSize uint64
	SpeedMbps      float64
	StartTime      time.Time
	Completed      bool
	Failed         bool
	ErrorMessage   string
}

func newProgress(filename string) *DownloadProgress {
	now := time.Now()
	return &DownloadProgress{
		filename:      filename,
		startTime:     now,
		lastSpeedCalc: now,
	}
}

// addBytes accumulates received bytes and refreshes the speed figure at
// most once per second.
func (p *DownloadProgress) addBytes(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloadedSize += n

	now := time.Now()
	if now.Sub(p.lastSpeedCalc) >= time.Second {
		if elapsed := now.Sub(p.startTime).Seconds(); elapsed > 0 {
			p.speedMbps = float64(p.downloadedSize) / 1024 / 1024 / elapsed
		}
		p.lastSpeedCalc = now
	}
}

func (p *DownloadProgress) complete() {
	if p.failed.Load() || !p.completed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	p.totalSize = p.downloadedSize
	p.mu.Unlock()
}

func (p *DownloadProgress) fail(message string) {
	if p.completed.Load() || !p.failed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	p.errorMessage = message
	p.mu.Unlock()
}

func (p *DownloadProgress) Completed() bool { return p.completed.Load() }
func (p *DownloadProgress) Failed() bool    { return p.failed.Load() }

func (p *DownloadProgress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProgressSnapshot{
		Filename:       p.filename,
		TotalSize:      p.totalSize,
		DownloadedSize: p.downloadedSize,
		SpeedMbps:      p.speedMbps,
		StartTime:      p.startTime,
		Completed:      p.completed.Load(),
		Failed:         p.failed.Load(),
		ErrorMessage:   p.errorMessage,
	}
}
