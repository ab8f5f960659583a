package fileindex

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sanskarpan/File-Share/pkg/logger"
	"github.com/sanskarpan/File-Share/pkg/protocol"
	"github.com/sanskarpan/File-Share/pkg/worker"
)

const hashBufferSize = 32 * 1024

var skipExtensions = map[string]bool{
	".tmp":  true,
	".log":  true,
	".lock": true,
	".pid":  true,
}

// Index owns the list of files advertised from the shared directory.
// Refresh builds a new list off-lock and swaps it in atomically.
type Index struct {
	mu    sync.RWMutex
	dir   string
	files []protocol.FileInfo
	log   *zap.SugaredLogger
}

// New creates the shared directory if absent and returns an empty index.
// The caller refreshes on demand.
func New(dir string, log *zap.SugaredLogger) (*Index, error) {
	if log == nil {
		log = logger.Sugar
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Index{dir: dir, log: log}, nil
}

func (ix *Index) Dir() string {
	return ix.dir
}

// eligible reports whether a file may be advertised. Hidden files and
// scratch extensions stay private.
func eligible(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return !skipExtensions[strings.ToLower(filepath.Ext(name))]
}

type hashJob struct {
	path string
	info protocol.FileInfo
}

func (j *hashJob) Execute() error {
	hash, err := HashFile(j.path)
	if err != nil {
		return err
	}
	j.info.Hash = hash
	return nil
}

// Refresh walks the shared directory, hashes every eligible regular file on
// the worker pool, and replaces the list.
func (ix *Index) Refresh() error {
	var jobs []*hashJob
	err := filepath.WalkDir(ix.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != ix.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !eligible(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		jobs = append(jobs, &hashJob{
			path: path,
			info: protocol.FileInfo{
				Name:         d.Name(),
				Path:         path,
				Size:         uint64(info.Size()),
				LastModified: info.ModTime().Unix(),
			},
		})
		return nil
	})
	if err != nil {
		return err
	}

	pool := worker.NewPool(0)
	pool.Start()
	go func() {
		for _, j := range jobs {
			pool.Submit(j)
		}
		pool.Stop()
	}()

	files := make([]protocol.FileInfo, 0, len(jobs))
	for res := range pool.Results() {
		j := res.Job.(*hashJob)
		if res.Err != nil {
			ix.log.Warnf("[FileIndex] skipping %s: %v", j.path, res.Err)
			continue
		}
		files = append(files, j.info)
	}
	sort.Slice(files, func(i, k int) bool { return files[i].Name < files[k].Name })

	ix.mu.Lock()
	ix.files = files
	ix.mu.Unlock()

	ix.log.Infof("[FileIndex] scanned %d files in %s", len(files), ix.dir)
	return nil
}

// List returns a snapshot of the current file list.
func (ix *Index) List() []protocol.FileInfo {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]protocol.FileInfo, len(ix.files))
	copy(out, ix.files)
	return out
}

func (ix *Index) Has(name string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, f := range ix.files {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (ix *Index) Info(name string) (protocol.FileInfo, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, f := range ix.files {
		if f.Name == name {
			return f, nil
		}
	}
	return protocol.FileInfo{}, protocol.Errf(protocol.FileNotFound, "file not found: %s", name)
}

// HashFile streams a file through SHA-256 and returns the lowercase hex
// digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Validate recomputes a file's hash and compares. Any I/O error reads as
// invalid.
func Validate(path, expectedHash string) bool {
	hash, err := HashFile(path)
	if err != nil {
		return false
	}
	return hash == expectedHash
}

func (ix *Index) Validate(path, expectedHash string) bool {
	return Validate(path, expectedHash)
}

// Size returns a file's size, or 0 on any filesystem error.
func (ix *Index) Size(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(info.Size())
}
