package requests

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/sitebridge/internal/protocol"
)

var (
	errNoHost     = errors.New("no host application attached")
	errNoLauncher = errors.New("no launcher configured")
)

type listSupportedCommands struct{ base }

func newListSupportedCommands(b base, _ protocol.Params) (Request, error) {
	return &listSupportedCommands{base: b}, nil
}

func (r *listSupportedCommands) Kind() Kind { return KindImmediate }

func (r *listSupportedCommands) Execute() error {
	var names []string
	if r.deps != nil && r.deps.Registry != nil {
		names = r.deps.Registry.Names()
	}
	if names == nil {
		names = []string{}
	}
	r.respond(names)
	return nil
}

type pickFiles struct {
	base
	multiple bool
}

func newPickFiles(multiple bool) Constructor {
	return func(b base, _ protocol.Params) (Request, error) {
		return &pickFiles{base: b, multiple: multiple}, nil
	}
}

func (r *pickFiles) Kind() Kind { return KindImmediate }

// Execute replies with the selected paths. Directories carry a trailing
// separator so the browser can tell them apart.
func (r *pickFiles) Execute() error {
	if r.deps == nil || r.deps.Host == nil {
		return errNoHost
	}
	picked, err := r.deps.Host.PickFiles(r.ctx(), r.multiple)
	if err != nil {
		return err
	}
	out := make([]string, 0, len(picked))
	for _, p := range picked {
		p = filepath.FromSlash(p)
		if st, err := os.Stat(p); err == nil && st.IsDir() && !strings.HasSuffix(p, string(os.PathSeparator)) {
			p += string(os.PathSeparator)
		}
		out = append(out, p)
		if !r.multiple {
			break
		}
	}
	r.respond(out)
	return nil
}

type openFile struct {
	base
	path string
}

func newOpenFile(b base, p protocol.Params) (Request, error) {
	path, err := p.String("filepath")
	if err != nil {
		return nil, err
	}
	return &openFile{base: b, path: path}, nil
}

func (r *openFile) Kind() Kind { return KindImmediate }

func (r *openFile) Execute() error {
	if r.deps == nil || r.deps.Launcher == nil {
		return errNoLauncher
	}
	if err := r.deps.Launcher.Open(r.path); err != nil {
		return err
	}
	r.respond(true)
	return nil
}
