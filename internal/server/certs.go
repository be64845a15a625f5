package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertReloader serves the current key pair and reloads it when the files on
// disk change.
type CertReloader struct {
	log      *slog.Logger
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

func NewCertReloader(logger *slog.Logger, certPath, keyPath string) (*CertReloader, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	r := &CertReloader{log: logger, certPath: certPath, keyPath: keyPath, done: make(chan struct{})}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the key pair from disk. The previous pair stays in use when
// the new one does not load.
func (r *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return r.cert, nil
}

// TLSConfig returns a server config bound to the reloader.
func (r *CertReloader) TLSConfig() *tls.Config {
	return &tls.Config{MinVersion: tls.VersionTLS12, GetCertificate: r.GetCertificate}
}

// Watch reloads the pair whenever a file in its directory is written or
// replaced. It returns once the watcher is set up.
func (r *CertReloader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := map[string]bool{filepath.Dir(r.certPath): true, filepath.Dir(r.keyPath): true}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return err
		}
	}
	r.watcher = w
	go r.watchLoop()
	return nil
}

func (r *CertReloader) watchLoop() {
	// Writers replace both files in quick succession; settle before reloading.
	const settle = 200 * time.Millisecond
	var timer *time.Timer
	names := map[string]bool{filepath.Clean(r.certPath): true, filepath.Clean(r.keyPath): true}
	for {
		select {
		case <-r.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !names[filepath.Clean(ev.Name)] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(settle, func() {
				if err := r.Reload(); err != nil {
					r.log.Warn("certificate reload failed", "error", err)
					return
				}
				r.log.Info("certificate reloaded", "cert", r.certPath)
			})
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("certificate watcher error", "error", err)
		}
	}
}

func (r *CertReloader) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		if r.watcher != nil {
			err = r.watcher.Close()
		}
	})
	return err
}
