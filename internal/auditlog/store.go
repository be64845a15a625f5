// Package auditlog records connection and action events as rotated JSON lines.
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(2 << 20) // 2 MiB
	defaultMaxBackups = 3

	activeName   = "security.jsonl"
	rotatedPfx   = "security-"
	rotatedSfx   = ".jsonl"
	maxListLimit = 1000
)

// Actions written by the server.
const (
	ActionConnectionOpened  = "connection_opened"
	ActionConnectionRefused = "connection_refused"
	ActionConnectionClosed  = "connection_closed"
	ActionDecryptFailed     = "decrypt_failed"
	ActionLaunched          = "action_launched"
	ActionFailed            = "action_failed"
)

type Entry struct {
	CreatedAt string `json:"created_at"`

	Action string `json:"action"`
	// Status is "success" or "failure".
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	ConnectionID string `json:"connection_id,omitempty"`
	Site         string `json:"site,omitempty"`
	UserID       int64  `json:"user_id,omitempty"`
	RemoteAddr   string `json:"remote_addr,omitempty"`
	// Reason is a machine readable refusal code.
	Reason string `json:"reason,omitempty"`

	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// StateDir is the server state directory; entries go to <StateDir>/audit.
	StateDir string

	// MaxBytes is the rotation threshold of the active file.
	MaxBytes int64
	// MaxBackups is how many rotated files are kept.
	MaxBackups int
}

type Store struct {
	log *slog.Logger

	dir        string
	activePath string
	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	dir := filepath.Join(stateDir, "audit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Store{
		log:        logger,
		dir:        dir,
		activePath: filepath.Join(dir, activeName),
		maxBytes:   opts.MaxBytes,
		maxBackups: opts.MaxBackups,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxBytes
	}
	if s.maxBackups <= 0 {
		s.maxBackups = defaultMaxBackups
	}
	if err := touch(s.activePath, os.O_APPEND); err != nil {
		return nil, err
	}
	return s, nil
}

// Append writes e. Failures are logged, never returned: auditing must not
// break the request path.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}
	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = "success"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("auditlog append failed", "error", err)
		return
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	err = enc.Encode(&e)
	_ = f.Close()
	if err != nil {
		s.log.Warn("auditlog encode failed", "error", err)
		return
	}
	s.rotateLocked()
}

// List returns up to limit entries, newest first.
func (s *Store) List(limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	s.mu.Lock()
	rotated := s.rotatedLocked()
	s.mu.Unlock()

	// Newest first: the active file, then rotated files by descending time.
	paths := []string{s.activePath}
	for i := len(rotated) - 1; i >= 0; i-- {
		paths = append(paths, rotated[i])
	}

	out := make([]Entry, 0, limit)
	for _, path := range paths {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, limit-len(out))
		if err != nil {
			s.log.Warn("auditlog read failed", "path", path, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// rotatedLocked lists rotated files oldest first. Names embed UnixMilli so
// lexical order is chronological.
func (s *Store) rotatedLocked() []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, rotatedPfx) || !strings.HasSuffix(name, rotatedSfx) {
			continue
		}
		out = append(out, filepath.Join(s.dir, name))
	}
	sort.Strings(out)
	return out
}

func (s *Store) rotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}
	dst := filepath.Join(s.dir, fmt.Sprintf("%s%d%s", rotatedPfx, time.Now().UnixMilli(), rotatedSfx))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("auditlog rotate failed", "error", err)
		return
	}
	_ = touch(s.activePath, os.O_TRUNC)

	rotated := s.rotatedLocked()
	for len(rotated) > s.maxBackups {
		_ = os.Remove(rotated[0])
		rotated = rotated[1:]
	}
}

func touch(path string, mode int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|mode, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func readNewestFirst(path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if json.Unmarshal([]byte(line), &e) == nil {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// Keep the newest limit entries, newest first.
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
