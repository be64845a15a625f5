package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SecretsStore persists authority tokens to a local file, keyed by site.
// Tokens are never logged or echoed back.
type SecretsStore struct {
	path string
	mu   sync.Mutex
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path))}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion int                    `json:"schema_version"`
	Sites         map[string]siteSecrets `json:"sites,omitempty"`
}

type siteSecrets struct {
	Token string `json:"token,omitempty"`
}

func siteKey(site string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(site)), "/")
}

// SiteToken returns the authority token stored for site.
func (s *SecretsStore) SiteToken(site string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	key := siteKey(site)
	if key == "" {
		return "", false, errors.New("missing site")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v := strings.TrimSpace(sf.Sites[key].Token)
	return v, v != "", nil
}

func (s *SecretsStore) HasSiteToken(site string) (bool, error) {
	_, ok, err := s.SiteToken(site)
	return ok, err
}

func (s *SecretsStore) SetSiteToken(site, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("missing token")
	}
	return s.update(site, &token)
}

func (s *SecretsStore) ClearSiteToken(site string) error {
	return s.update(site, nil)
}

// update sets the token of site, or removes it when token is nil.
func (s *SecretsStore) update(site string, token *string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	key := siteKey(site)
	if key == "" {
		return errors.New("missing site")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.Sites == nil {
		sf.Sites = make(map[string]siteSecrets)
	}
	if token == nil {
		delete(sf.Sites, key)
	} else {
		sf.Sites[key] = siteSecrets{Token: *token}
	}
	if len(sf.Sites) == 0 {
		sf.Sites = nil
	}
	return s.saveLocked(sf)
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	if sf == nil {
		return errors.New("nil secrets")
	}
	path := strings.TrimSpace(s.path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
