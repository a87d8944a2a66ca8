//go:build unix

package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/scopectl/internal/assign"
	"github.com/gurisko/scopectl/internal/cache"
	"github.com/gurisko/scopectl/internal/config"
	"github.com/gurisko/scopectl/internal/discovery"
	"github.com/gurisko/scopectl/internal/parser"
	"github.com/gurisko/scopectl/internal/resource"
)

const fooAgent = "---\nname: foo\ndescription: Foo agent\n---\nDo foo things.\n"

type testEnv struct {
	d    *Daemon
	srv  *httptest.Server
	user string
	proj string
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	home, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{user: filepath.Join(home, ".claude"), proj: filepath.Join(home, "proj")}
	writeFile(t, filepath.Join(env.user, "agents", "foo.md"), fooAgent)
	writeFile(t, filepath.Join(env.user, "commands", "ship.md"), "Ship it.\n")
	require.NoError(t, os.MkdirAll(env.proj, 0o755))

	cfg := config.Default()
	cfg.UserRoot = env.user
	cfg.Author = "tester"
	cfg.IncludeWorkingRepo = false
	cfg.Store.Backend = config.BackendMemory
	cfg.Watch.Enabled = false
	cfg.Daemon.RegistryPath = filepath.Join(home, "state", "projects.yaml")
	cfg.Daemon.SocketPath = filepath.Join(home, "run", "daemon.sock")
	cfg.Daemon.PIDFile = filepath.Join(home, "run", "daemon.pid")

	env.d, err = New(cfg, log.New(io.Discard))
	require.NoError(t, err)
	require.NoError(t, env.d.open())
	t.Cleanup(env.d.closeServices)

	env.srv = httptest.NewServer(env.d.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func ids(rs []resource.Resource) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	h := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Roots)
}

func TestListResources_CacheFirstWithFilters(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/resources", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(cache.SourceFetch), resp.Header.Get(CacheSourceHeader))
	all := decode[[]resource.Resource](t, resp)
	assert.ElementsMatch(t, []string{"agent:foo", "command:ship"}, ids(all))

	resp = env.do(t, http.MethodGet, "/api/resources?type=agent", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(cache.SourceCache), resp.Header.Get(CacheSourceHeader))
	assert.Equal(t, []string{"agent:foo"}, ids(decode[[]resource.Resource](t, resp)))

	resp = env.do(t, http.MethodGet, "/api/resources?scope=project", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]resource.Resource](t, resp))

	// a file added behind the cache's back shows up only on refresh
	writeFile(t, filepath.Join(env.user, "agents", "bar.md"), "---\nname: bar\ndescription: Bar\n---\n")
	resp = env.do(t, http.MethodGet, "/api/resources?type=agent", nil)
	assert.Equal(t, []string{"agent:foo"}, ids(decode[[]resource.Resource](t, resp)))

	resp = env.do(t, http.MethodGet, "/api/resources?type=agent&refresh=1", nil)
	assert.Equal(t, string(cache.SourceFetch), resp.Header.Get(CacheSourceHeader))
	assert.ElementsMatch(t, []string{"agent:foo", "agent:bar"}, ids(decode[[]resource.Resource](t, resp)))
}

func TestListResources_BadFilter(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/resources?scope=galaxy", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/resources?type=widget", nil).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodPost, "/api/resources", nil).StatusCode)
}

func TestDiscoverStream_MatchesBatch(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/discover/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var events []discovery.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev discovery.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	require.GreaterOrEqual(t, len(events), 3)

	assert.Equal(t, discovery.EventConnected, events[0].Type)
	assert.Equal(t, discovery.EventScanStarted, events[1].Type)
	last := events[len(events)-1]
	require.Equal(t, discovery.EventScanComplete, last.Type)

	var streamed []resource.Resource
	for _, ev := range events {
		if ev.Type == discovery.EventItemFound {
			streamed = append(streamed, *ev.Resource)
			assert.Equal(t, len(streamed), ev.Count)
		}
	}
	require.NotNil(t, last.Total)
	assert.Equal(t, len(streamed), *last.Total)

	batch := decode[[]resource.Resource](t, env.do(t, http.MethodGet, "/api/resources?refresh=1", nil))
	assert.ElementsMatch(t, ids(batch), ids(streamed))
}

func TestAssign_CopyHistoryRevert(t *testing.T) {
	env := newTestEnv(t)

	// prime the cache so the assignment has something to invalidate
	env.do(t, http.MethodGet, "/api/resources", nil)

	req := assign.Request{
		ResourceID:        "agent:foo",
		TargetScope:       resource.ScopeProject,
		TargetProjectPath: env.proj,
		Operation:         assign.OpCopy,
		Reason:            "share with project",
	}
	resp := env.do(t, http.MethodPost, "/api/assign", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[assign.Result](t, resp)
	require.True(t, res.Success, res.Error)
	target := filepath.Join(env.proj, ".claude", "agents", "foo.md")
	assert.Equal(t, target, res.TargetPath)
	assert.FileExists(t, target)

	resp = env.do(t, http.MethodPost, "/api/assign", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	conflict := decode[assign.Result](t, resp)
	assert.False(t, conflict.Success)
	assert.Equal(t, assign.CodeConflict, conflict.Code)

	resp = env.do(t, http.MethodGet, "/api/resources/history?id="+url.QueryEscape(res.TargetID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hist := decode[HistoryResponse](t, resp)
	require.Len(t, hist.Changes, 1)
	assert.Equal(t, res.ChangeID, hist.Changes[0].ID)
	assert.Equal(t, "share with project", hist.Changes[0].Reason)
	assert.Equal(t, "tester", hist.Changes[0].Author)

	resp = env.do(t, http.MethodPost, "/api/resources/revert", RevertRequest{ResourceID: res.TargetID, ChangeID: res.ChangeID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rev := decode[RevertResponse](t, resp)
	assert.True(t, rev.Reverted)
	assert.NoFileExists(t, target)

	resp = env.do(t, http.MethodGet, "/api/resources/history?id="+url.QueryEscape(res.TargetID), nil)
	assert.Len(t, decode[HistoryResponse](t, resp).Changes, 2)
}

func TestAssign_Failures(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/assign", assign.Request{
		ResourceID: "agent:missing", TargetScope: resource.ScopeProject, TargetProjectPath: env.proj, Operation: assign.OpCopy,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, assign.CodeMissingSource, decode[assign.Result](t, resp).Code)

	resp = env.do(t, http.MethodPost, "/api/assign", assign.Request{ResourceID: "agent:foo", Operation: "teleport"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/assign", map[string]any{"resourceId": "agent:foo", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevert_UnknownChange(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/resources/revert", RevertRequest{ResourceID: "agent:foo", ChangeID: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/resources/revert", RevertRequest{ResourceID: "agent:foo"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistory_Empty(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/resources/history?id=agent:foo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[HistoryResponse](t, resp).Changes)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/resources/history", nil).StatusCode)
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/validate", ValidateRequest{Path: filepath.Join(env.user, "agents", "foo.md")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[parser.Report](t, resp)
	assert.True(t, rep.Valid, "%+v", rep.Issues)
	assert.Equal(t, resource.TypeAgent, rep.Type)

	broken := filepath.Join(env.user, "agents", "broken.md")
	writeFile(t, broken, "---\nname: broken\n---\n")
	rep = decode[parser.Report](t, env.do(t, http.MethodPost, "/api/validate", ValidateRequest{Path: broken}))
	assert.False(t, rep.Valid)
	assert.NotEmpty(t, rep.Issues)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/validate", ValidateRequest{Path: "agents/foo.md"}).StatusCode)
}

func TestProjects_RegisterListRemove(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/projects", RegisterProjectRequest{Path: env.proj})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[RegisterProjectResponse](t, resp)
	assert.Equal(t, "proj", created.Project.Name)
	assert.Equal(t, "/api/projects/"+created.Project.ID, resp.Header.Get("Location"))

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/projects", RegisterProjectRequest{Path: env.proj}).StatusCode)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/projects", RegisterProjectRequest{Path: filepath.Join(env.proj, "absent")}).StatusCode)

	list := decode[ListProjectsResponse](t, env.do(t, http.MethodGet, "/api/projects", nil))
	require.Len(t, list.Projects, 1)
	assert.Equal(t, env.proj, list.Projects[0].Path)

	// the registered project becomes a scan root
	writeFile(t, filepath.Join(env.proj, ".claude", "agents", "local.md"), "---\nname: local\ndescription: Local\n---\n")
	all := decode[[]resource.Resource](t, env.do(t, http.MethodGet, "/api/resources?scope=project", nil))
	assert.Equal(t, []string{"agent:local@" + env.proj}, ids(all))

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/projects/"+created.Project.ID, nil).StatusCode)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/projects/"+created.Project.ID, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/projects/"+created.Project.ID, nil).StatusCode)
}

func TestCache_Clear(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/api/resources", nil)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/cache", nil).StatusCode)
	resp := env.do(t, http.MethodGet, "/api/resources", nil)
	assert.Equal(t, string(cache.SourceFetch), resp.Header.Get(CacheSourceHeader))
}
