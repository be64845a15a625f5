package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/floegence/sitebridge/internal/auditlog"
	"github.com/floegence/sitebridge/internal/authority"
	"github.com/floegence/sitebridge/internal/cache"
	"github.com/floegence/sitebridge/internal/config"
	"github.com/floegence/sitebridge/internal/configsource"
	"github.com/floegence/sitebridge/internal/connection"
	"github.com/floegence/sitebridge/internal/encryption"
	"github.com/floegence/sitebridge/internal/eventloop"
	"github.com/floegence/sitebridge/internal/lockfile"
	"github.com/floegence/sitebridge/internal/monitor"
	"github.com/floegence/sitebridge/internal/requests"
	"github.com/floegence/sitebridge/internal/runner"
	"github.com/floegence/sitebridge/internal/server"
	"github.com/floegence/sitebridge/internal/sys"
)

const (
	lockName  = "sitebridge.lock"
	storeName = "sources.db"
	keysDir   = "keys"
)

type Options struct {
	Config *config.Config
	// ConfigPath is the path used to load the config file (used to derive state_dir).
	ConfigPath string
	// Token is the authority API token of Config.SiteURL.
	Token string
	// Host is the embedding application. Nil runs headless.
	Host requests.Host
	// OnListening is called once the websocket server accepts connections.
	OnListening func(url string)

	Version   string
	Commit    string
	BuildTime string
}

// Agent owns every long lived component of one sitebridge server.
type Agent struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string

	stateDir    string
	onListening func(url string)

	lock      *lockfile.Lock
	authority *authority.Client
	audit     *auditlog.Store
	store     *configsource.Store

	loop   *eventloop.Loop
	pool   *eventloop.Pool
	lanes  *eventloop.Lanes
	cache  *cache.Cache
	runner *runner.Runner

	sites    *encryption.Sites
	registry *requests.Registry
	deps     *requests.Deps
	warnings *connection.Warnings
	// structured is set once the authority is known to understand refusal
	// replies.
	structured atomic.Bool

	monitor *monitor.Service
	certs   *server.CertReloader
	srv     *server.Server

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func New(opts Options) (_ *Agent, err error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, errors.New("missing authority token")
	}

	logger, err := newLogger(strings.TrimSpace(opts.Config.LogFormat), strings.TrimSpace(opts.Config.LogLevel))
	if err != nil {
		return nil, err
	}

	cfgPath := strings.TrimSpace(opts.ConfigPath)
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfgPathAbs, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}
	stateDir, err := filepath.Abs(opts.Config.ResolveStateDir(cfgPathAbs))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}

	lock, err := lockfile.Acquire(filepath.Join(stateDir, lockName))
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:         opts.Config,
		log:         logger,
		version:     strings.TrimSpace(opts.Version),
		commit:      strings.TrimSpace(opts.Commit),
		buildTime:   strings.TrimSpace(opts.BuildTime),
		stateDir:    stateDir,
		onListening: opts.OnListening,
		lock:        lock,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.authority, err = authority.New(authority.Options{
		Logger:  logger,
		SiteURL: opts.Config.SiteURL,
		Token:   token,
	})
	if err != nil {
		return nil, fmt.Errorf("init authority client: %w", err)
	}

	a.audit, err = auditlog.New(auditlog.Options{Logger: logger, StateDir: stateDir})
	if err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}

	a.store, err = configsource.OpenStore(filepath.Join(stateDir, storeName))
	if err != nil {
		return nil, fmt.Errorf("open source store: %w", err)
	}
	loader, err := configsource.NewAuthorityLoader(configsource.LoaderOptions{
		Logger:          logger,
		Directory:       a.authority,
		Store:           a.store,
		DefaultManifest: opts.Config.DefaultManifest,
	})
	if err != nil {
		return nil, err
	}

	a.loop = eventloop.New(eventloop.Options{Logger: logger})
	a.pool = eventloop.NewPool(eventloop.PoolOptions{
		Logger: logger,
		Loop:   a.loop,
		Size:   opts.Config.WorkerCount(),
	})
	a.cache = cache.New(cache.Options{
		Logger:     logger,
		Loader:     loader,
		Worker:     a.pool,
		StaleAfter: opts.Config.StaleAfter(),
	})
	a.lanes = eventloop.NewLanes()
	a.runner = runner.New(runner.Options{
		Logger:    logger,
		Cache:     a.cache,
		Worker:    a.pool,
		Immediate: a.lanes,
		Loop:      a.loop,
		Timeout:   opts.Config.DeferredTimeout(),
	})

	host := opts.Host
	if host == nil {
		host = requests.Headless{Log: logger}
	}
	a.sites = encryption.NewSites(a.authority)
	a.registry = requests.DefaultRegistry()
	a.deps = &requests.Deps{
		Logger: logger,
		Host:   host,
		Tasks:  a.authority,
		Launcher: requests.NewLauncher(requests.LauncherOptions{
			Logger:   logger,
			Audit:    a.audit,
			Override: opts.Config.Launcher,
		}),
		Audit:    a.audit,
		Registry: a.registry,
		Context:  a.ctx,
	}
	a.warnings = connection.NewWarnings(host)
	a.monitor = monitor.NewService(logger)

	return a, nil
}

// Run serves until ctx is done. The agent cannot be restarted afterwards.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Close()

	a.log.Info("sitebridge starting",
		"version", a.version,
		"commit", a.commit,
		"build_time", a.buildTime,
		"site", a.cfg.SiteURL,
		"user_id", a.cfg.UserID,
		"state_dir", a.stateDir,
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)

	go a.loop.Run(ctx)

	a.probeAuthority(ctx)
	port := a.resolvePort(ctx)

	tlsCfg, err := a.tlsConfig(ctx)
	if err != nil {
		return err
	}
	a.srv, err = a.newServer(port, tlsCfg)
	if err != nil {
		return err
	}
	if err := a.srv.Start(ctx); err != nil {
		return err
	}
	if a.onListening != nil {
		scheme := "ws"
		if tlsCfg != nil {
			scheme = "wss"
		}
		a.onListening(fmt.Sprintf("%s://%s", scheme, a.srv.Addr()))
	}

	<-ctx.Done()
	a.log.Info("sitebridge stopping")
	return ctx.Err()
}

// Close releases every resource held by the agent. It is safe to call more
// than once.
func (a *Agent) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(a.close)
}

func (a *Agent) close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.srv != nil {
		_ = a.srv.Close()
	}
	if a.certs != nil {
		_ = a.certs.Close()
	}
	if a.loop != nil {
		a.loop.Stop()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	// Let running immediate requests finish their replies and audit entries.
	if a.lanes != nil {
		a.lanes.Wait()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
}

// probeAuthority records whether the site understands structured refusals.
// An unreachable authority is treated as an older one.
func (a *Agent) probeAuthority(ctx context.Context) {
	info, err := a.authority.ServerInfo(ctx)
	if err != nil {
		a.log.Warn("authority info unavailable", "error", err)
		return
	}
	a.structured.Store(info.SupportsStructuredErrors())
	a.log.Info("authority info", "version", info.Version, "structured_errors", info.SupportsStructuredErrors())
}

// resolvePort picks the config port, then the site preference, then the
// default port.
func (a *Agent) resolvePort(ctx context.Context) int {
	if a.cfg.Port > 0 {
		return a.cfg.Port
	}
	port, err := a.authority.WebsocketPort(ctx)
	if err != nil {
		a.log.Warn("websocket port preference unavailable, using default", "port", port, "error", err)
	}
	return port
}

// tlsConfig returns nil when TLS is disabled. Certificates come from the
// config override or from the site, and are reloaded when they change on
// disk.
func (a *Agent) tlsConfig(ctx context.Context) (*tls.Config, error) {
	if a.cfg.InsecureNoTLS {
		a.log.Warn("serving plain websocket; browsers on the site will refuse to connect")
		return nil, nil
	}
	certPath := strings.TrimSpace(a.cfg.TLSCertFile)
	keyPath := strings.TrimSpace(a.cfg.TLSKeyFile)
	if certPath == "" {
		certs, err := a.authority.Certificates(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch certificates: %w", err)
		}
		certPath, keyPath, err = authority.WriteCertificates(filepath.Join(a.stateDir, keysDir), certs)
		if err != nil {
			return nil, fmt.Errorf("write certificates: %w", err)
		}
	}
	r, err := server.NewCertReloader(a.log, certPath, keyPath)
	if err != nil {
		return nil, err
	}
	if err := r.Watch(); err != nil {
		a.log.Warn("certificate watch unavailable", "error", err)
	}
	a.certs = r
	return r.TLSConfig(), nil
}

func (a *Agent) newServer(port int, tlsCfg *tls.Config) (*server.Server, error) {
	return server.New(server.Options{
		Logger:        a.log,
		Port:          port,
		TLS:           tlsCfg,
		RequestLog:    strings.EqualFold(strings.TrimSpace(a.cfg.LogLevel), "debug"),
		NewConnection: a.newConnection,
		Monitor:       a.monitor,
		Build: sys.NewService(sys.Options{
			Version:   a.version,
			Commit:    a.commit,
			BuildTime: a.buildTime,
		}),
	})
}

func (a *Agent) newConnection(p server.Peer, sender connection.Sender) *connection.Connection {
	return connection.New(connection.Options{
		Logger:     a.log,
		ID:         p.ID,
		RemoteAddr: p.RemoteAddr,
		Origin:     p.Origin,
		Identity: connection.Identity{
			Site:   a.cfg.SiteURL,
			UserID: a.cfg.UserID,
		},
		Sessions:         a.sites,
		Registry:         a.registry,
		Deps:             a.deps,
		Runner:           loopSubmitter{loop: a.loop, runner: a.runner},
		Sender:           sender,
		Audit:            a.audit,
		Warnings:         a.warnings,
		StructuredErrors: a.structured.Load,
	})
}

// loopSubmitter hands requests from a socket goroutine to the runner, which
// is owned by the event loop.
type loopSubmitter struct {
	loop   eventloop.Dispatcher
	runner *runner.Runner
}

func (s loopSubmitter) Submit(req requests.Request) {
	if err := s.loop.Post(func() { s.runner.Submit(req) }); err != nil {
		req.Fail(err)
	}
}

func (s loopSubmitter) CancelConnection(connID string) {
	_ = s.loop.Post(func() { s.runner.CancelConnection(connID) })
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
