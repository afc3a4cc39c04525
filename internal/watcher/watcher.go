// internal/watcher/watcher.go
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Change reports that a watched resource's content fingerprint moved.
type Change struct {
	Resource    string    `json:"resource"`
	Fingerprint string    `json:"fingerprint"`
	ModTime     time.Time `json:"mod_time"`
}

// Handle represents one subscription to a resource. Unwatching the
// last handle frees the resource entry.
type Handle struct {
	id       uint64
	resource string
}

// Resource returns the watched path.
func (h *Handle) Resource() string { return h.resource }

var ErrClosed = errors.New("watcher: closed")

type resource struct {
	handles     map[uint64]struct{}
	fingerprint string
}

// Watcher tracks content mutation of filesystem resources. It watches
// the parent directory of each resource so atomic rename-into-place
// writes are still observed, and emits a Change only when the sha256
// fingerprint differs from the previous one.
type Watcher struct {
	logger  *zap.Logger
	fs      *fsnotify.Watcher
	changes chan Change

	mu        sync.Mutex
	resources map[string]*resource
	dirs      map[string]int
	nextID    uint64
	closed    bool

	done chan struct{}
}

// New creates a Watcher and starts its event loop.
func New(logger *zap.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		logger:    logger,
		fs:        fs,
		changes:   make(chan Change, 256),
		resources: make(map[string]*resource),
		dirs:      make(map[string]int),
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Changes returns the stream of fingerprint transitions. The channel
// is closed when the watcher is closed.
func (w *Watcher) Changes() <-chan Change { return w.changes }

// Watch subscribes to a resource path. The initial fingerprint is read
// immediately so the first emitted Change reflects a real mutation.
func (w *Watcher) Watch(path string) (*Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}

	res, ok := w.resources[abs]
	if !ok {
		dir := filepath.Dir(abs)
		if w.dirs[dir] == 0 {
			if err := w.fs.Add(dir); err != nil {
				return nil, err
			}
		}
		w.dirs[dir]++
		res = &resource{
			handles:     make(map[uint64]struct{}),
			fingerprint: fingerprintFile(abs),
		}
		w.resources[abs] = res
	}

	w.nextID++
	h := &Handle{id: w.nextID, resource: abs}
	res.handles[h.id] = struct{}{}
	return h, nil
}

// Unwatch releases a handle. The last release drops the resource and,
// when no other resource shares the directory, the fsnotify watch.
func (w *Watcher) Unwatch(h *Handle) {
	if h == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	res, ok := w.resources[h.resource]
	if !ok {
		return
	}
	delete(res.handles, h.id)
	if len(res.handles) > 0 {
		return
	}
	delete(w.resources, h.resource)

	dir := filepath.Dir(h.resource)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if !w.closed {
			_ = w.fs.Remove(dir)
		}
	}
}

// Close stops the event loop and closes the Changes channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.fs.Close()
	<-w.done
	close(w.changes)
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.refresh(filepath.Clean(ev.Name))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) refresh(path string) {
	w.mu.Lock()
	res, ok := w.resources[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	fp := fingerprintFile(path)
	if fp == res.fingerprint {
		w.mu.Unlock()
		return
	}
	res.fingerprint = fp
	w.mu.Unlock()

	var mod time.Time
	if info, err := os.Stat(path); err == nil {
		mod = info.ModTime()
	}

	select {
	case w.changes <- Change{Resource: path, Fingerprint: fp, ModTime: mod}:
	default:
		w.logger.Warn("change buffer full, dropping change",
			zap.String("resource", path))
	}
}

// fingerprintFile hashes the file content. A missing or unreadable
// file fingerprints as the empty string.
func fingerprintFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
