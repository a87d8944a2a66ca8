package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/parser"
	"github.com/gurisko/scopectl/internal/registry"
	"github.com/gurisko/scopectl/internal/resource"
	"github.com/gurisko/scopectl/internal/scanner"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func agent(name string) string {
	return "---\nname: " + name + "\ndescription: " + name + " agent\n---\nbody\n"
}

func newPipeline(t *testing.T, userRoot string, roots ...layout.Root) *Pipeline {
	t.Helper()
	sc, err := scanner.New(scanner.Options{Filter: parser.Wants(layout.DefaultConfigDirName)})
	require.NoError(t, err)
	p := parser.New(layout.New(userRoot, "", ""), nil)
	return NewPipeline(StaticRoots(roots), sc, p, nil)
}

func drain(t *testing.T, seq func(func(Event) bool)) []Event {
	t.Helper()
	var out []Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}

func found(events []Event) []resource.Resource {
	var out []resource.Resource
	for _, ev := range events {
		if ev.Type == EventItemFound {
			out = append(out, *ev.Resource)
		}
	}
	return out
}

// symlinkFixture builds a user root with agents/foo.md and a nested project
// whose .claude/agents/foo.md links back to it.
func symlinkFixture(t *testing.T) (home, proj string) {
	home = tempDir(t)
	proj = filepath.Join(home, "projects", "app")
	writeFile(t, filepath.Join(home, "agents", "foo.md"), agent("foo"))
	writeFile(t, filepath.Join(proj, ".claude", "agents", "own.md"), agent("own"))
	require.NoError(t, os.Symlink(filepath.Join(home, "agents", "foo.md"), filepath.Join(proj, ".claude", "agents", "foo.md")))
	return home, proj
}

func TestCollect_SymlinkedAgentMergesIntoUserRoot(t *testing.T) {
	home, proj := symlinkFixture(t)
	p := newPipeline(t, home,
		layout.Root{Path: home, Scope: resource.ScopeUser},
		layout.Root{Path: proj, Scope: resource.ScopeProject},
	)

	res, err := p.Collect(context.Background())
	require.NoError(t, err)

	byID := map[string]resource.Resource{}
	for _, r := range res {
		_, dup := byID[r.ID]
		require.False(t, dup, "duplicate id %s", r.ID)
		byID[r.ID] = r
	}
	require.Contains(t, byID, "agent:foo")
	assert.Equal(t, filepath.Join(home, "agents", "foo.md"), byID["agent:foo"].FilePath)
	assert.Equal(t, resource.ScopeUser, byID["agent:foo"].Scope)
	assert.Contains(t, byID, "agent:own@"+proj)
	assert.Len(t, res, 2)
}

func TestEvents_MatchesCollect(t *testing.T) {
	home, proj := symlinkFixture(t)
	writeFile(t, filepath.Join(home, "commands", "deploy.md"), "Deploy it\n")
	writeFile(t, filepath.Join(proj, "CLAUDE.md"), "# App\n")
	writeFile(t, filepath.Join(proj, ".claude", "settings.json"), `{"hooks": {"Stop": [{"matcher": "*", "hooks": [{"type": "command", "command": "bell"}]}]}}`)

	p := newPipeline(t, home,
		layout.Root{Path: home, Scope: resource.ScopeUser},
		layout.Root{Path: proj, Scope: resource.ScopeProject},
	)

	batch, err := p.Collect(context.Background())
	require.NoError(t, err)
	events := drain(t, p.Events(context.Background()))

	require.NotEmpty(t, events)
	assert.Equal(t, EventScanStarted, events[0].Type)
	assert.Equal(t, []string{home, proj}, events[0].Roots)
	last := events[len(events)-1]
	assert.Equal(t, EventScanComplete, last.Type)
	require.NotNil(t, last.Total)

	stream := found(events)
	assert.Equal(t, len(batch), *last.Total)
	require.Equal(t, len(batch), len(stream))
	for i := range batch {
		assert.Equal(t, batch[i].ID, stream[i].ID)
		assert.Equal(t, batch[i].FilePath, stream[i].FilePath)
	}

	for i, r := range stream {
		assert.Equal(t, i+1, events[i+1].Count, "count for %s", r.ID)
	}
}

func TestScanStartedWireShape(t *testing.T) {
	ev := scanStartedEvent([]layout.Root{
		{Path: "/home/user", Scope: resource.ScopeUser, Exclude: []string{"tmp"}},
		{Path: "/home/user/projects/app", Scope: resource.ScopeProject},
	})
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var wire struct {
		Type       string   `json:"type"`
		Roots      []string `json:"roots"`
		RootScopes []string `json:"rootScopes"`
		Message    string   `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "scan_started", wire.Type)
	assert.Equal(t, []string{"/home/user", "/home/user/projects/app"}, wire.Roots)
	assert.Equal(t, []string{"user", "project"}, wire.RootScopes)
	assert.NotEmpty(t, wire.Message)
}

func TestEvents_TraversalErrorsDoNotStopScan(t *testing.T) {
	home := tempDir(t)
	writeFile(t, filepath.Join(home, "agents", "a.md"), agent("a"))
	require.NoError(t, os.Symlink(filepath.Join(home, "gone"), filepath.Join(home, "agents", "b.md")))
	writeFile(t, filepath.Join(home, "agents", "c.md"), agent("c"))
	missing := filepath.Join(home, "no-such-project")

	p := newPipeline(t, home,
		layout.Root{Path: home, Scope: resource.ScopeUser},
		layout.Root{Path: missing, Scope: resource.ScopeProject},
	)
	events := drain(t, p.Events(context.Background()))

	var errPaths []string
	for _, ev := range events {
		if ev.Type == EventItemError {
			assert.False(t, ev.Fatal)
			errPaths = append(errPaths, ev.Path)
		}
	}
	assert.Equal(t, []string{filepath.Join(home, "agents", "b.md"), missing}, errPaths)
	assert.Len(t, found(events), 2)
	assert.Equal(t, EventScanComplete, events[len(events)-1].Type)
}

func TestEvents_Cancellation(t *testing.T) {
	home := tempDir(t)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		writeFile(t, filepath.Join(home, "agents", n+".md"), agent(n))
	}
	p := newPipeline(t, home, layout.Root{Path: home, Scope: resource.ScopeUser})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var events []Event
	for ev := range p.Events(ctx) {
		events = append(events, ev)
		if ev.Type == EventItemFound && ev.Count == 2 {
			cancel()
		}
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventItemFound, last.Type)
	assert.Equal(t, 2, last.Count)
	for _, ev := range events {
		assert.NotEqual(t, EventScanComplete, ev.Type)
	}

	_, err := p.Collect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvents_FatalWithoutRoots(t *testing.T) {
	p := newPipeline(t, "")
	events := drain(t, p.Events(context.Background()))
	require.Len(t, events, 1)
	assert.Equal(t, EventItemError, events[0].Type)
	assert.True(t, events[0].Fatal)
}

func TestDedupe(t *testing.T) {
	mk := func(id, path string, root int) Discovered {
		return Discovered{Resource: resource.Resource{ID: id, FilePath: path}, Root: root}
	}
	tests := []struct {
		name  string
		in    []Discovered
		paths []string
	}{
		{"first wins across roots", []Discovered{mk("a", "/r0/a", 0), mk("a", "/r1/a", 1)}, []string{"/r0/a"}},
		{"higher priority later", []Discovered{mk("a", "/r1/a", 1), mk("a", "/r0/a", 0)}, []string{"/r0/a"}},
		{"same root lexical tie", []Discovered{mk("a", "/r0/z", 0), mk("a", "/r0/b", 0)}, []string{"/r0/b"}},
		{"order of first sight", []Discovered{mk("b", "/b", 0), mk("a", "/a", 0), mk("b", "/b2", 1)}, []string{"/b", "/a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Dedupe(tt.in)
			var paths []string
			for _, r := range out {
				paths = append(paths, r.FilePath)
			}
			assert.Equal(t, tt.paths, paths)
		})
	}
}

func TestPublish_StopsOnSinkFailure(t *testing.T) {
	home := tempDir(t)
	for _, n := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(home, "agents", n+".md"), agent(n))
	}
	pub := NewPublisher(newPipeline(t, home, layout.Root{Path: home, Scope: resource.ScopeUser}), nil)

	var got []EventType
	sink := SinkFunc(func(ev Event) error {
		got = append(got, ev.Type)
		if len(got) == 3 {
			return errors.New("broken pipe")
		}
		return nil
	})

	err := pub.Publish(context.Background(), sink)
	assert.ErrorIs(t, err, ErrSinkClosed)
	assert.Equal(t, []EventType{EventConnected, EventScanStarted, EventItemFound}, got)
}

func TestPublish_FullStream(t *testing.T) {
	home := tempDir(t)
	writeFile(t, filepath.Join(home, "agents", "a.md"), agent("a"))
	pub := NewPublisher(newPipeline(t, home, layout.Root{Path: home, Scope: resource.ScopeUser}), nil)

	var got []EventType
	require.NoError(t, pub.Publish(context.Background(), SinkFunc(func(ev Event) error {
		got = append(got, ev.Type)
		return nil
	})))
	assert.Equal(t, []EventType{EventConnected, EventScanStarted, EventItemFound, EventScanComplete}, got)
}

type fakeProjects []*registry.Project

func (f fakeProjects) List() []*registry.Project { return f }

func TestResolver_Order(t *testing.T) {
	base := tempDir(t)
	user := filepath.Join(base, "user")
	regd := filepath.Join(base, "registered")
	conf := filepath.Join(base, "configured")
	repo := filepath.Join(base, "repo")
	builtin := filepath.Join(base, "builtin")
	for _, d := range []string{user, regd, conf, filepath.Join(repo, "src"), builtin} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	_, err := git.PlainInit(repo, false)
	require.NoError(t, err)
	require.NoError(t, os.Symlink(regd, filepath.Join(base, "alias")))

	r := NewResolver(ResolverConfig{
		UserRoot:    user,
		UserExclude: scanner.DefaultUserExcludes,
		BuiltinRoot: builtin,
		Projects:    []string{conf, filepath.Join(base, "alias")},
		WorkDir:     filepath.Join(repo, "src"),
	}, fakeProjects{{Path: regd}}, nil)

	roots, err := r.Resolve(context.Background())
	require.NoError(t, err)

	var paths []string
	var scopes []resource.Scope
	for _, root := range roots {
		paths = append(paths, root.Path)
		scopes = append(scopes, root.Scope)
	}
	assert.Equal(t, []string{user, regd, conf, repo, builtin}, paths)
	assert.Equal(t, []resource.Scope{resource.ScopeUser, resource.ScopeProject, resource.ScopeProject, resource.ScopeProject, resource.ScopeBuiltin}, scopes)
	assert.Equal(t, scanner.DefaultUserExcludes, roots[0].Exclude)
}

func TestResolver_Failures(t *testing.T) {
	_, err := NewResolver(ResolverConfig{}, nil, nil).Resolve(context.Background())
	assert.ErrorIs(t, err, ErrNoRoots)

	missing := filepath.Join(tempDir(t), "missing")
	_, err = NewResolver(ResolverConfig{UserRoot: missing}, nil, nil).Resolve(context.Background())
	assert.ErrorIs(t, err, ErrRootInaccessible)

	// With more than one root a missing one is reported by the scan instead
	roots, err := NewResolver(ResolverConfig{UserRoot: missing, Projects: []string{tempDir(t)}}, nil, nil).Resolve(context.Background())
	require.NoError(t, err)
	assert.Len(t, roots, 2)
}
