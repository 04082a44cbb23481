package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly validated policy document on every
// successful reload. It runs on the watcher goroutine; keep it fast.
type ReloadFunc func(cfg *Config)

// Watcher reloads the gateway's policy document when the file named by
// GATEWAY_CONFIG_FILE changes on disk. fsnotify covers plain filesystems
// and editor saves; a fingerprint poll covers ConfigMap projections,
// where the kubelet swaps a "..data" symlink without emitting inotify
// events for the mounted file.
type Watcher struct {
	path         string
	dir          string
	reload       ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewWatcher creates a policy document watcher. Nothing is watched until
// Start is called.
func NewWatcher(path string, reload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		reload:       reload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start watches the policy document until the context is canceled or
// Stop is called. A Stop that raced ahead of Start wins: Start returns
// immediately.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer fsw.Close()

	// Watch the parent directory as well as the file itself: ConfigMap
	// updates and atomic editor saves replace the file rather than
	// writing through the watched inode.
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	_ = fsw.Add(w.path)

	w.logger.Info("watching policy document", "path", w.path)

	fp := snapshotFiles(w.dir, w.path)

	var pending *time.Timer
	var pendingC <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("policy document watcher stopped")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				// The old inode left the watch with the rename.
				_ = fsw.Add(w.path)
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.NewTimer(w.debounce)
			pendingC = pending.C

		case <-pendingC:
			pendingC = nil
			w.reloadDocument()
			fp.refresh()

		case <-poll.C:
			if fp.changed() {
				fp.refresh()
				w.logger.Debug("policy document changed on disk", "path", w.path)
				w.reloadDocument()
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("policy document watch error", "error", werr)
		}
	}
}

// reloadDocument parses and validates the document and hands it to the
// reload callback. A document that fails validation is discarded; the
// gateway keeps enforcing the running policies.
func (w *Watcher) reloadDocument() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("policy document rejected, keeping running config",
			"path", w.path, "error", err)
		return
	}
	w.logger.Info("policy document reloaded",
		"path", w.path, "services", len(cfg.Services))
	w.reload(cfg)
}

// Stop terminates the watcher. Safe to call more than once, and safe to
// call before Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
	}
}

// CertCallback is invoked with the cert and key paths after the TLS
// keypair changes on disk.
type CertCallback func(certFile, keyFile string)

// CertWatcher polls the TLS keypair for rotation. Certs usually arrive
// through a Secret volume, where inotify misses the kubelet's symlink
// swap entirely, so this watcher is poll-only.
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a TLS keypair watcher. Polling does not start
// until Start is called.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start polls the keypair until the context is canceled or Stop is
// called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	if cw.stopped {
		cw.mu.Unlock()
		return nil
	}
	ctx, cw.cancel = context.WithCancel(ctx)
	cw.mu.Unlock()

	cw.logger.Info("watching TLS keypair", "cert", cw.certFile, "key", cw.keyFile)

	fp := snapshotFiles(filepath.Dir(cw.certFile), cw.certFile, cw.keyFile)

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS keypair watcher stopped")
			return nil
		case <-ticker.C:
			if !fp.changed() {
				continue
			}
			fp.refresh()
			cw.logger.Info("TLS keypair rotated", "cert", cw.certFile)
			cw.callback(cw.certFile, cw.keyFile)
		}
	}
}

// Stop terminates the cert watcher. Safe to call more than once.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// fingerprint snapshots the observable state of a set of files plus the
// kubelet's "..data" indirection link, giving both watchers one change
// detector that works for projected volumes and plain files alike.
type fingerprint struct {
	dataLink string
	target   string
	paths    []string
	hashes   []string
}

func snapshotFiles(dir string, paths ...string) *fingerprint {
	fp := &fingerprint{
		dataLink: filepath.Join(dir, "..data"),
		paths:    paths,
	}
	fp.refresh()
	return fp
}

// changed reports whether any watched file differs from the snapshot.
// The "..data" target is checked first: comparing one symlink beats
// hashing file contents when the volume was swapped wholesale.
func (fp *fingerprint) changed() bool {
	if target := linkTarget(fp.dataLink); target != "" && target != fp.target {
		return true
	}
	for i, p := range fp.paths {
		if contentHash(p) != fp.hashes[i] {
			return true
		}
	}
	return false
}

// refresh re-captures the snapshot after a change was acted on.
func (fp *fingerprint) refresh() {
	fp.target = linkTarget(fp.dataLink)
	fp.hashes = fp.hashes[:0]
	for _, p := range fp.paths {
		fp.hashes = append(fp.hashes, contentHash(p))
	}
}

// contentHash returns the SHA-256 digest of the file at path, following
// symlinks, or "" when the file cannot be read.
func contentHash(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// linkTarget returns the target of a symlink, or "" when path is not a
// readable symlink.
func linkTarget(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
