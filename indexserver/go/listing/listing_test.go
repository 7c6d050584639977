package listing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.cidx.org/server/go/util"
	"go.cidx.org/server/indexserver/go/activatedrepo"
	"go.cidx.org/server/indexserver/go/cidx"
	"go.cidx.org/server/indexserver/go/goldenrepo"
	"go.cidx.org/server/indexserver/go/jobs"
	"go.cidx.org/server/indexserver/go/jobs/jsondb"
)

func newTestViews(t *testing.T) (*Views, *goldenrepo.Manager, *activatedrepo.Manager, *jobs.Engine) {
	tmp := t.TempDir()
	store, err := jsondb.New(filepath.Join(tmp, "jobs.json"))
	assert.NoError(t, err)
	engine, err := jobs.NewEngine(store, 1)
	assert.NoError(t, err)
	t.Cleanup(engine.Shutdown)
	cidxClient := cidx.New("test")
	golden, err := goldenrepo.NewManager(filepath.Join(tmp, "golden-repos"), engine, cidxClient, nil)
	assert.NoError(t, err)
	activated, err := activatedrepo.NewManager(filepath.Join(tmp, "activated-repos"), engine, golden, cidxClient)
	assert.NoError(t, err)
	return New(golden, activated, engine), golden, activated, engine
}

func waitTerminal(t *testing.T, engine *jobs.Engine, id, requester string) *jobs.Job {
	var job *jobs.Job
	assert.Eventually(t, func() bool {
		var err error
		job, err = engine.Status(id, requester)
		assert.NoError(t, err)
		return job.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestListGolden(t *testing.T) {
	v, golden, _, _ := newTestViews(t)
	assert.Empty(t, v.ListGolden())

	assert.NoError(t, golden.Register(&goldenrepo.Repo{
		Alias:         "chromium",
		RepoURL:       "https://example.com/chromium.git",
		DefaultBranch: "main",
		ClonePath:     t.TempDir(),
		CreatedAt:     time.Now().UTC(),
	}))

	got := v.ListGolden()
	assert.Len(t, got, 1)
	assert.Equal(t, "chromium", got[0].Alias)
	assert.Equal(t, "https://example.com/chromium.git", got[0].RepoURL)
	assert.Equal(t, "main", got[0].DefaultBranch)
}

func TestListActivated(t *testing.T) {
	v, _, activated, _ := newTestViews(t)

	got, err := v.ListActivated("nobody")
	assert.NoError(t, err)
	assert.Empty(t, got)

	dir := activated.RepoDir("u", "r")
	assert.NoError(t, os.MkdirAll(dir, 0755))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), make([]byte, 100), 0644))
	now := time.Now().UTC()
	assert.NoError(t, util.WriteJSONFile(activated.MetadataFile("u", "r"), &activatedrepo.Metadata{
		UserAlias:       "r",
		GoldenRepoAlias: "g",
		CurrentBranch:   "main",
		ActivatedAt:     now,
		LastAccessed:    now,
	}))

	got, err = v.ListActivated("u")
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "r", got[0].UserAlias)
	assert.Equal(t, int64(100), got[0].DiskUsage)
}

func TestStats(t *testing.T) {
	v, _, _, engine := newTestViews(t)

	ok := func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		return nil, nil
	}
	id1, err := engine.Submit(jobs.SubmitRequest{OperationType: "golden_repo_add", Username: "alice", RepoAlias: "a"}, ok)
	assert.NoError(t, err)
	id2, err := engine.Submit(jobs.SubmitRequest{OperationType: "activate", Username: "alice", RepoAlias: "a"}, ok)
	assert.NoError(t, err)
	id3, err := engine.Submit(jobs.SubmitRequest{OperationType: "activate", Username: "bob", RepoAlias: "b"}, ok)
	assert.NoError(t, err)
	waitTerminal(t, engine, id1, "alice")
	waitTerminal(t, engine, id2, "alice")
	waitTerminal(t, engine, id3, "bob")

	// A user sees only their own jobs.
	stats, err := v.Stats("alice", false)
	assert.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus["completed"])
	assert.Equal(t, 1, stats.ByOperation["golden_repo_add"])
	assert.Equal(t, 1, stats.ByOperation["activate"])

	// An admin sees everything.
	stats, err = v.Stats("admin", true)
	assert.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByOperation["activate"])
}

func TestDiskUsageMissingPath(t *testing.T) {
	assert.Equal(t, int64(0), diskUsage(filepath.Join(t.TempDir(), "missing")))
}
