package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/floegence/sitebridge/internal/configsource"
	"github.com/floegence/sitebridge/internal/requests"
)

// Preference holding the web app settings, including the websocket port.
const (
	PrefsName        = "view_master_settings"
	PrefsPortKey     = "websockets_port"
	DefaultPort      = 9000
	certFileName     = "server.crt"
	keyFileName      = "server.key"
	structuredErrors = "8.4.0"
)

// RetrieveServerSecret exchanges a server id for the site's encryption secret.
func (c *Client) RetrieveServerSecret(ctx context.Context, serverID string) (string, error) {
	var out struct {
		Secret string `json:"ws_server_secret"`
	}
	if err := c.Call(ctx, "retrieve_ws_server_secret", map[string]any{"ws_server_id": serverID}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Secret) == "" {
		return "", errors.New("retrieve_ws_server_secret: empty secret")
	}
	return out.Secret, nil
}

// User is the account the token belongs to.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
}

func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var u User
	if err := c.Call(ctx, "current_user", nil, &u); err != nil {
		return User{}, err
	}
	if u.ID == 0 {
		return User{}, errors.New("current_user: missing id")
	}
	return u, nil
}

// ServerInfo describes the authority.
type ServerInfo struct {
	Version []int
	// LocalhostTLS is set when the site hands out certificates for the
	// local server.
	LocalhostTLS bool
}

func (c *Client) ServerInfo(ctx context.Context) (ServerInfo, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, "info", nil, &raw); err != nil {
		return ServerInfo{}, err
	}
	var info ServerInfo
	gjson.GetBytes(raw, "version").ForEach(func(_, v gjson.Result) bool {
		info.Version = append(info.Version, int(v.Int()))
		return true
	})
	info.LocalhostTLS = gjson.GetBytes(raw, "shotgunlocalhost_browser_integration_enabled").Bool() ||
		gjson.GetBytes(raw, "localhost_tls_enabled").Bool()
	return info, nil
}

// SupportsStructuredErrors reports whether the web app understands refusal
// replies.
func (i ServerInfo) SupportsStructuredErrors() bool {
	return VersionAtLeast(i.Version, structuredErrors)
}

// VersionAtLeast compares a dotted version; missing parts count as zero.
func VersionAtLeast(have []int, want string) bool {
	parts := strings.Split(want, ".")
	for i, p := range parts {
		w, _ := strconv.Atoi(p)
		h := 0
		if i < len(have) {
			h = have[i]
		}
		if h != w {
			return h > w
		}
	}
	return true
}

// Preference returns the value of a site preference. Values stored as json
// text are returned parsed.
func (c *Client) Preference(ctx context.Context, name string) (gjson.Result, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, "preferences", map[string]any{"names": []string{name}}, &raw); err != nil {
		return gjson.Result{}, err
	}
	v := gjson.GetBytes(raw, gjson.Escape(name))
	if v.Type == gjson.String && gjson.Valid(v.Str) {
		return gjson.Parse(v.Str), nil
	}
	return v, nil
}

// WebsocketPort returns the port configured by the site, or DefaultPort.
func (c *Client) WebsocketPort(ctx context.Context) (int, error) {
	v, err := c.Preference(ctx, PrefsName)
	if err != nil {
		return DefaultPort, err
	}
	p := v.Get(PrefsPortKey)
	if !p.Exists() || p.Int() <= 0 || p.Int() > 65535 {
		return DefaultPort, nil
	}
	return int(p.Int()), nil
}

// Certificates is the TLS pair for the local server.
type Certificates struct {
	Cert string `json:"sg_desktop_cert"`
	Key  string `json:"sg_desktop_key"`
}

func (c *Client) Certificates(ctx context.Context) (Certificates, error) {
	var out Certificates
	if err := c.Call(ctx, "sg_desktop_certificates", nil, &out); err != nil {
		return Certificates{}, err
	}
	if out.Cert == "" || out.Key == "" {
		return Certificates{}, errors.New("sg_desktop_certificates: incomplete certificate pair")
	}
	return out, nil
}

// WriteCertificates writes the pair into dir. The authority sends newlines as
// a literal backslash-n.
func WriteCertificates(dir string, certs Certificates) (certPath, keyPath string, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", err
	}
	certPath = filepath.Join(dir, certFileName)
	keyPath = filepath.Join(dir, keyFileName)
	if err := writeFileAtomic(certPath, expandNewlines(certs.Cert)); err != nil {
		return "", "", err
	}
	if err := writeFileAtomic(keyPath, expandNewlines(certs.Key)); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

func expandNewlines(s string) []byte {
	return []byte(strings.ReplaceAll(s, `\n`, "\n"))
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

type pipelineConfig struct {
	ID      json.Number `json:"id"`
	Name    string      `json:"code"`
	Path    string      `json:"path"`
	Primary *bool       `json:"primary"`
}

// PipelineConfigurations lists the configurations of scope. A configuration
// without an explicit primary flag is primary when its name is empty.
func (c *Client) PipelineConfigurations(ctx context.Context, scope configsource.Scope) ([]configsource.Config, error) {
	params := map[string]any{"project_id": nil}
	if !scope.SiteWide() {
		params["project_id"] = scope.ProjectID
	}
	var out []pipelineConfig
	if err := c.Call(ctx, "pipeline_configurations", params, &out); err != nil {
		return nil, err
	}
	cfgs := make([]configsource.Config, 0, len(out))
	for _, p := range out {
		if p.ID == "" {
			continue
		}
		primary := p.Name == "" || strings.EqualFold(p.Name, configsource.DefaultConfigName)
		if p.Primary != nil {
			primary = *p.Primary
		}
		cfgs = append(cfgs, configsource.Config{ID: p.ID.String(), Name: p.Name, Path: p.Path, Primary: primary})
	}
	return cfgs, nil
}

// StateHash returns a token that changes whenever any pipeline configuration
// of the site changes.
func (c *Client) StateHash(ctx context.Context) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}
	if err := c.Call(ctx, "pipeline_configuration_state", nil, &out); err != nil {
		return "", err
	}
	return out.Hash, nil
}

// TaskLink returns the entity a task is attached to.
func (c *Client) TaskLink(ctx context.Context, taskID int64) (requests.TaskLink, error) {
	var out struct {
		Project *struct {
			ID int64 `json:"id"`
		} `json:"project"`
		Entity *struct {
			Type string `json:"type"`
			ID   int64  `json:"id"`
		} `json:"entity"`
	}
	if err := c.Call(ctx, "task_link", map[string]any{"task_id": taskID}, &out); err != nil {
		return requests.TaskLink{}, err
	}
	if out.Project == nil {
		return requests.TaskLink{}, fmt.Errorf("task %d has no project", taskID)
	}
	link := requests.TaskLink{ProjectID: out.Project.ID}
	if out.Entity != nil {
		link.EntityType, link.EntityID = out.Entity.Type, out.Entity.ID
	}
	return link, nil
}
