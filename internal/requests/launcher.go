package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/floegence/sitebridge/internal/auditlog"
)

// Environment variables overriding the program used to open files.
const (
	EnvLauncher       = "SITEBRIDGE_LAUNCHER"
	EnvLegacyLauncher = "SHOTGUN_PLUGIN_LAUNCHER"
)

type LauncherOptions struct {
	Logger *slog.Logger
	Audit  Auditor
	// Override wins over the environment and the platform default.
	Override string
}

// Launcher opens local files and runs actions detached from the caller.
type Launcher struct {
	log     *slog.Logger
	audit   Auditor
	command string

	// start launches argv without waiting for it.
	start func(argv []string) (wait func() error, err error)
}

func NewLauncher(opts LauncherOptions) *Launcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Launcher{
		log:     logger,
		audit:   opts.Audit,
		command: ResolveLauncher(opts.Override, os.Getenv, runtime.GOOS),
		start:   startProcess,
	}
	if l.command != "" {
		l.log.Debug("file launcher resolved", "launcher", l.command)
	}
	return l
}

// ResolveLauncher picks the program used by Open: override, then the
// environment, then the platform default. "" means the Windows shell handler.
func ResolveLauncher(override string, getenv func(string) string, goos string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	if getenv != nil {
		if v := strings.TrimSpace(getenv(EnvLauncher)); v != "" {
			return v
		}
		if v := strings.TrimSpace(getenv(EnvLegacyLauncher)); v != "" {
			return v
		}
	}
	switch goos {
	case "darwin":
		return "open"
	case "windows":
		return ""
	default:
		return "xdg-open"
	}
}

func (l *Launcher) argv(path string) []string {
	if l.command == "" {
		return []string{"rundll32", "url.dll,FileProtocolHandler", path}
	}
	return []string{l.command, path}
}

// Open starts the launcher on path. Only a missing path or a launcher that
// cannot be started is an error; the launched program's exit is logged.
func (l *Launcher) Open(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("empty path")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("error opening path [%s]: path not found", path)
	}
	argv := l.argv(path)
	wait, err := l.start(argv)
	if err != nil {
		return fmt.Errorf("could not open file: %w", err)
	}
	go func() {
		if err := wait(); err != nil {
			l.log.Warn("launcher exited with error", "launcher", argv[0], "path", path, "error", err)
		}
	}()
	return nil
}

// Detach runs fn on its own goroutine. It is never joined or cancelled; a
// failure or panic is logged and audited, never returned.
func (l *Launcher) Detach(name string, meta Meta, fn func(ctx context.Context) error) {
	go func() {
		entry := auditlog.Entry{Action: auditlog.ActionLaunched, ConnectionID: meta.ConnID, UserID: meta.UserID, Detail: map[string]any{"command": name}}
		defer func() {
			if r := recover(); r != nil {
				l.log.Error("action panicked", "command", name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				entry.Action, entry.Status, entry.Error = auditlog.ActionFailed, "failure", fmt.Sprint(r)
				l.record(entry)
			}
		}()
		if err := fn(context.Background()); err != nil {
			l.log.Warn("action failed", "command", name, "error", err)
			entry.Action, entry.Status, entry.Error = auditlog.ActionFailed, "failure", err.Error()
			l.record(entry)
			return
		}
		l.log.Info("action finished", "command", name)
		l.record(entry)
	}()
}

func (l *Launcher) record(e auditlog.Entry) {
	if l.audit != nil {
		l.audit.Append(e)
	}
}

func startProcess(argv []string) (func() error, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd.Wait, nil
}
