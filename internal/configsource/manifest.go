package configsource

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name looked up at the root of a pipeline
// configuration.
const ManifestFile = "sitebridge.yml"

// systemCommands are maintenance entries every configuration exposes. They are
// meaningless in the browser and are never listed.
var systemCommands = []string{"Toggle Debug Logging", "Open Log Folder"}

// Manifest is the parsed command manifest of one pipeline configuration.
//
//	commands:
//	  - id: launch_maya
//	    title: Maya 2024
//	    group: Maya
//	    group_default: true
//	    app: tk-multi-launchapp
//	    engine: tk-maya
//	    entity_types: [Shot, Task]
//	    linked_entity_types: [Shot]
//	    exec: ["maya", "-proj", "{project_id}", "-entity", "{entity_type}:{entity_ids}"]
type Manifest struct {
	Commands []CommandSpec `yaml:"commands"`
}

type CommandSpec struct {
	ID                string   `yaml:"id"`
	Title             string   `yaml:"title"`
	Tooltip           string   `yaml:"tooltip"`
	Group             string   `yaml:"group"`
	GroupDefault      bool     `yaml:"group_default"`
	App               string   `yaml:"app"`
	Engine            string   `yaml:"engine"`
	EntityTypes       []string `yaml:"entity_types"`
	LinkedEntityTypes []string `yaml:"linked_entity_types"`
	Exec              []string `yaml:"exec"`
}

func ParseManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := make(map[string]bool, len(m.Commands))
	for i := range m.Commands {
		c := &m.Commands[i]
		c.ID = strings.TrimSpace(c.ID)
		c.Title = strings.TrimSpace(c.Title)
		if c.ID == "" {
			return nil, fmt.Errorf("commands[%d]: missing id", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("commands[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		if c.Title == "" {
			c.Title = c.ID
		}
		if len(c.Exec) == 0 {
			return nil, fmt.Errorf("commands[%d]: missing exec", i)
		}
	}
	return &m, nil
}

// Select returns the commands applicable to q, in manifest order.
func (m *Manifest) Select(q Query) []Command {
	if m == nil {
		return nil
	}
	var out []Command
	for _, spec := range m.Commands {
		if slices.Contains(systemCommands, spec.Title) {
			continue
		}
		if len(spec.EntityTypes) > 0 && !slices.Contains(spec.EntityTypes, q.EntityType) {
			continue
		}
		if len(spec.LinkedEntityTypes) > 0 && q.LinkedEntityType != "" && !slices.Contains(spec.LinkedEntityTypes, q.LinkedEntityType) {
			continue
		}
		out = append(out, &manifestCommand{spec: spec, entityType: q.EntityType})
	}
	return out
}

type manifestCommand struct {
	spec       CommandSpec
	entityType string
}

type tokenBody struct {
	ID         string `json:"c"`
	Title      string `json:"t"`
	EntityType string `json:"e"`
}

func (c *manifestCommand) Token() string {
	b, _ := json.Marshal(tokenBody{ID: c.spec.ID, Title: c.spec.Title, EntityType: c.entityType})
	return base64.RawURLEncoding.EncodeToString(b)
}

func (c *manifestCommand) DisplayName() string { return c.spec.Title }
func (c *manifestCommand) Tooltip() string     { return c.spec.Tooltip }
func (c *manifestCommand) Group() string       { return c.spec.Group }
func (c *manifestCommand) GroupDefault() bool  { return c.spec.GroupDefault }
func (c *manifestCommand) AppName() string     { return c.spec.App }
func (c *manifestCommand) EngineName() string  { return c.spec.Engine }

// runProcess starts argv and waits for it to exit.
var runProcess = func(ctx context.Context, argv []string) error {
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Run()
}

func (c *manifestCommand) Execute(ctx context.Context, inv Invocation) error {
	argv := expandArgs(c.spec.Exec, inv)
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return errors.New("empty exec")
	}
	if err := runProcess(ctx, argv); err != nil {
		return fmt.Errorf("%s: %w", c.spec.ID, err)
	}
	return nil
}

func expandArgs(args []string, inv Invocation) []string {
	ids := make([]string, 0, len(inv.EntityIDs))
	for _, id := range inv.EntityIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	project := ""
	if inv.ProjectID != 0 {
		project = strconv.FormatInt(inv.ProjectID, 10)
	}
	r := strings.NewReplacer(
		"{project_id}", project,
		"{entity_type}", inv.EntityType,
		"{entity_ids}", strings.Join(ids, ","),
		"{config}", inv.Config,
	)
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, r.Replace(a))
	}
	return out
}
