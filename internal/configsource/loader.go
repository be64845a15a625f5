package configsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Directory lists the pipeline configurations the authority knows about.
type Directory interface {
	PipelineConfigurations(ctx context.Context, scope Scope) ([]Config, error)
	StateHash(ctx context.Context) (string, error)
}

type LoaderOptions struct {
	Logger    *slog.Logger
	Directory Directory
	// Store is optional. Without it there is no offline fallback.
	Store *Store
	// DefaultManifest is used when a scope has no pipeline configuration.
	DefaultManifest string
}

// AuthorityLoader resolves sources through the authority and falls back to the
// last snapshot when the authority cannot be reached.
type AuthorityLoader struct {
	log             *slog.Logger
	dir             Directory
	store           *Store
	defaultManifest string
}

func NewAuthorityLoader(opts LoaderOptions) (*AuthorityLoader, error) {
	if opts.Directory == nil {
		return nil, errors.New("missing Directory")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &AuthorityLoader{
		log:             logger,
		dir:             opts.Directory,
		store:           opts.Store,
		defaultManifest: strings.TrimSpace(opts.DefaultManifest),
	}, nil
}

func (l *AuthorityLoader) LoadSources(ctx context.Context, scope Scope) ([]Source, error) {
	cfgs, err := l.dir.PipelineConfigurations(ctx, scope)
	if err != nil {
		if l.store == nil {
			return nil, fmt.Errorf("list pipeline configurations for %s: %w", scope, err)
		}
		snap, ok, serr := l.store.Snapshot(ctx, scope)
		if serr != nil || !ok {
			return nil, fmt.Errorf("list pipeline configurations for %s: %w", scope, err)
		}
		l.log.Warn("authority unreachable, using configuration snapshot", "scope", scope.String(), "error", err)
		cfgs = snap
	} else if l.store != nil {
		if err := l.store.SaveSnapshot(ctx, scope, dedupConfigs(cfgs)); err != nil {
			l.log.Warn("save configuration snapshot failed", "scope", scope.String(), "error", err)
		}
	}

	cfgs = dedupConfigs(cfgs)
	if len(cfgs) == 0 {
		return []Source{&pipelineSource{
			cfg:          Config{ID: "default", Primary: true},
			manifestPath: l.defaultManifest,
			store:        l.store,
			log:          l.log,
		}}, nil
	}
	out := make([]Source, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, &pipelineSource{
			cfg:          c,
			manifestPath: filepath.Join(c.Path, ManifestFile),
			store:        l.store,
			log:          l.log,
		})
	}
	return out, nil
}

func (l *AuthorityLoader) StateToken(ctx context.Context) (string, error) {
	return l.dir.StateHash(ctx)
}

func dedupConfigs(in []Config) []Config {
	seen := make(map[string]bool, len(in))
	out := make([]Config, 0, len(in))
	for _, c := range in {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}

type pipelineSource struct {
	cfg          Config
	manifestPath string
	store        *Store
	log          *slog.Logger
}

func (s *pipelineSource) ID() string    { return s.cfg.ID }
func (s *pipelineSource) Name() string  { return s.cfg.Name }
func (s *pipelineSource) Primary() bool { return s.cfg.Primary }

func (s *pipelineSource) LoadCommands(ctx context.Context, q Query) ([]Command, error) {
	body, err := s.readManifest(ctx)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}
	m, err := ParseManifest(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", DisplayConfigName(s), err)
	}
	return m.Select(q), nil
}

// readManifest returns nil, nil when the configuration has no manifest at all.
func (s *pipelineSource) readManifest(ctx context.Context) ([]byte, error) {
	if s.manifestPath == "" {
		return nil, nil
	}
	body, err := os.ReadFile(s.manifestPath)
	if err == nil {
		if s.store != nil {
			if perr := s.store.PutManifest(ctx, s.cfg.ID, body); perr != nil {
				s.log.Debug("cache manifest failed", "config_id", s.cfg.ID, "error", perr)
			}
		}
		return body, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if s.store == nil {
		return nil, fmt.Errorf("%s: read manifest: %w", DisplayConfigName(s), err)
	}
	cached, cerr := s.store.Manifest(ctx, s.cfg.ID)
	if cerr != nil || cached == nil {
		return nil, fmt.Errorf("%s: read manifest: %w", DisplayConfigName(s), err)
	}
	s.log.Warn("manifest unreadable, using cached copy", "config_id", s.cfg.ID, "path", s.manifestPath, "error", err)
	return cached, nil
}
