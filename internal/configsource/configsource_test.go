package configsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

const testManifest = `
commands:
  - id: maya
    title: Maya 2024
    group: Maya
    group_default: true
    app: tk-multi-launchapp
    engine: tk-maya
    entity_types: [Shot, Task]
    exec: ["maya", "-proj", "{project_id}", "{entity_type}:{entity_ids}"]
  - id: nuke
    title: Nuke
    entity_types: [Task]
    linked_entity_types: [Asset]
    exec: ["nuke"]
  - id: debug
    title: Toggle Debug Logging
    exec: ["true"]
  - id: any
    exec: ["echo", "{config}"]
`

func TestParseManifest_SelectFilters(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	titles := func(cmds []Command) []string {
		var out []string
		for _, c := range cmds {
			out = append(out, c.DisplayName())
		}
		return out
	}

	cases := []struct {
		name string
		q    Query
		want []string
	}{
		{name: "shot", q: Query{EntityType: "Shot"}, want: []string{"Maya 2024", "any"}},
		{name: "task on shot", q: Query{EntityType: "Task", LinkedEntityType: "Shot"}, want: []string{"Maya 2024", "any"}},
		{name: "task on asset", q: Query{EntityType: "Task", LinkedEntityType: "Asset"}, want: []string{"Maya 2024", "Nuke", "any"}},
		{name: "task unlinked", q: Query{EntityType: "Task"}, want: []string{"Maya 2024", "Nuke", "any"}},
		{name: "version", q: Query{EntityType: "Version"}, want: []string{"any"}},
	}
	for _, tc := range cases {
		if got := titles(m.Select(tc.q)); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestParseManifest_Rejects(t *testing.T) {
	t.Parallel()

	bad := map[string]string{
		"missing id":   "commands:\n  - title: x\n    exec: [a]\n",
		"missing exec": "commands:\n  - id: x\n",
		"duplicate":    "commands:\n  - id: x\n    exec: [a]\n  - id: x\n    exec: [b]\n",
		"not yaml":     "commands: [",
	}
	for name, body := range bad {
		if _, err := ParseManifest([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestManifestCommand_TokenAndExecute(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	cmd := m.Select(Query{EntityType: "Shot"})[0]
	if tok := cmd.Token(); tok == "" || tok == m.Select(Query{EntityType: "Task"})[0].Token() {
		t.Fatalf("token %q does not identify the command and entity type", tok)
	}

	var got []string
	orig := runProcess
	runProcess = func(_ context.Context, argv []string) error {
		got = argv
		return nil
	}
	t.Cleanup(func() { runProcess = orig })

	if err := cmd.Execute(context.Background(), Invocation{ProjectID: 100, EntityType: "Shot", EntityIDs: []int64{55, 56}}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []string{"maya", "-proj", "100", "Shot:55,56"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("argv = %v, want %v", got, want)
	}

	// Site-wide invocations have no project to substitute.
	if err := cmd.Execute(context.Background(), Invocation{EntityType: "Project", EntityIDs: []int64{3}}); err != nil {
		t.Fatalf("Execute site wide: %v", err)
	}
	want = []string{"maya", "-proj", "", "Project:3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("site wide argv = %v, want %v", got, want)
	}
}

func TestStore_SnapshotAndManifest(t *testing.T) {
	t.Parallel()

	st, err := OpenStore(filepath.Join(t.TempDir(), "sources.sqlite"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	if _, ok, err := st.Snapshot(ctx, ProjectScope(1)); err != nil || ok {
		t.Fatalf("Snapshot(empty) = %v, %v", ok, err)
	}

	cfgs := []Config{{ID: "b", Name: "Dev", Path: "/p/dev"}, {ID: "a", Name: "Primary", Path: "/p/main", Primary: true}}
	if err := st.SaveSnapshot(ctx, ProjectScope(1), cfgs); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, ok, err := st.Snapshot(ctx, ProjectScope(1))
	if err != nil || !ok {
		t.Fatalf("Snapshot = %v, %v", ok, err)
	}
	if !reflect.DeepEqual(got, cfgs) {
		t.Fatalf("Snapshot = %+v, want %+v", got, cfgs)
	}

	if err := st.SaveSnapshot(ctx, ProjectScope(1), cfgs[:1]); err != nil {
		t.Fatalf("SaveSnapshot replace: %v", err)
	}
	got, _, _ = st.Snapshot(ctx, ProjectScope(1))
	if len(got) != 1 {
		t.Fatalf("snapshot not replaced: %+v", got)
	}

	if b, err := st.Manifest(ctx, "a"); err != nil || b != nil {
		t.Fatalf("Manifest(unknown) = %q, %v", b, err)
	}
	if err := st.PutManifest(ctx, "a", []byte("v1")); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	if err := st.PutManifest(ctx, "a", []byte("v2")); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}
	if b, err := st.Manifest(ctx, "a"); err != nil || string(b) != "v2" {
		t.Fatalf("Manifest = %q, %v", b, err)
	}
}

type fakeDirectory struct {
	cfgs []Config
	err  error
	hash string
}

func (d *fakeDirectory) PipelineConfigurations(context.Context, Scope) ([]Config, error) {
	return d.cfgs, d.err
}

func (d *fakeDirectory) StateHash(context.Context) (string, error) { return d.hash, nil }

func TestAuthorityLoader_FallsBackToSnapshotAndCachedManifest(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cfgDir := filepath.Join(root, "main")
	if err := os.MkdirAll(cfgDir, 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, ManifestFile), []byte(testManifest), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	st, err := OpenStore(filepath.Join(root, "state", "sources.sqlite"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	dir := &fakeDirectory{cfgs: []Config{{ID: "1", Path: cfgDir, Primary: true}, {ID: "1", Path: cfgDir}}, hash: "h1"}
	l, err := NewAuthorityLoader(LoaderOptions{Directory: dir, Store: st})
	if err != nil {
		t.Fatalf("NewAuthorityLoader: %v", err)
	}
	ctx := context.Background()

	sources, err := l.LoadSources(ctx, ProjectScope(100))
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	if len(sources) != 1 || DisplayConfigName(sources[0]) != DefaultConfigName {
		t.Fatalf("sources = %+v", sources)
	}
	cmds, err := sources[0].LoadCommands(ctx, Query{EntityType: "Shot"})
	if err != nil || len(cmds) != 2 {
		t.Fatalf("LoadCommands = %d, %v", len(cmds), err)
	}

	// Authority down, manifest share unreadable: both served from the store.
	dir.err = errors.New("connection refused")
	if err := os.Chmod(filepath.Join(cfgDir, ManifestFile), 0o000); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(cfgDir, ManifestFile), 0o600) })

	sources, err = l.LoadSources(ctx, ProjectScope(100))
	if err != nil {
		t.Fatalf("LoadSources offline: %v", err)
	}
	if len(sources) != 1 || sources[0].ID() != "1" {
		t.Fatalf("offline sources = %+v", sources)
	}
	if os.Geteuid() != 0 {
		cmds, err = sources[0].LoadCommands(ctx, Query{EntityType: "Shot"})
		if err != nil || len(cmds) != 2 {
			t.Fatalf("offline LoadCommands = %d, %v", len(cmds), err)
		}
	}

	if _, err := l.LoadSources(ctx, ProjectScope(999)); err == nil {
		t.Fatalf("expected error for unknown scope while offline")
	}

	if tok, err := l.StateToken(ctx); err != nil || tok != "h1" {
		t.Fatalf("StateToken = %q, %v", tok, err)
	}
}

func TestAuthorityLoader_NoConfigurationsUsesDefault(t *testing.T) {
	t.Parallel()

	l, err := NewAuthorityLoader(LoaderOptions{Directory: &fakeDirectory{}})
	if err != nil {
		t.Fatalf("NewAuthorityLoader: %v", err)
	}
	sources, err := l.LoadSources(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	if len(sources) != 1 || DisplayConfigName(sources[0]) != "Primary" {
		t.Fatalf("sources = %+v", sources)
	}
	cmds, err := sources[0].LoadCommands(context.Background(), Query{EntityType: "Shot"})
	if err != nil || len(cmds) != 0 {
		t.Fatalf("LoadCommands = %v, %v", cmds, err)
	}
}

func TestAuthorityLoader_WithoutStore(t *testing.T) {
	t.Parallel()

	cfgDir := t.TempDir()
	manifest := filepath.Join(cfgDir, ManifestFile)
	if err := os.WriteFile(manifest, []byte(testManifest), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	dir := &fakeDirectory{cfgs: []Config{{ID: "1", Path: cfgDir}}}
	l, err := NewAuthorityLoader(LoaderOptions{Directory: dir})
	if err != nil {
		t.Fatalf("NewAuthorityLoader: %v", err)
	}
	ctx := context.Background()

	sources, err := l.LoadSources(ctx, ProjectScope(100))
	if err != nil || len(sources) != 1 {
		t.Fatalf("LoadSources = %v, %v", sources, err)
	}
	if cmds, err := sources[0].LoadCommands(ctx, Query{EntityType: "Shot"}); err != nil || len(cmds) != 2 {
		t.Fatalf("LoadCommands = %d, %v", len(cmds), err)
	}

	if os.Geteuid() != 0 {
		if err := os.Chmod(manifest, 0o000); err != nil {
			t.Fatalf("Chmod: %v", err)
		}
		t.Cleanup(func() { _ = os.Chmod(manifest, 0o600) })
		if _, err := sources[0].LoadCommands(ctx, Query{EntityType: "Shot"}); err == nil {
			t.Fatalf("unreadable manifest without a store must fail")
		}
	}

	dir.err = errors.New("connection refused")
	if _, err := l.LoadSources(ctx, ProjectScope(100)); err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("offline LoadSources without a store err = %v", err)
	}
}
