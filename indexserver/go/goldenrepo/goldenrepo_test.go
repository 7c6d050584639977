package goldenrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.cidx.org/server/indexserver/go/apierr"
	"go.cidx.org/server/indexserver/go/cidx"
	"go.cidx.org/server/indexserver/go/jobs"
	"go.cidx.org/server/indexserver/go/jobs/jsondb"
)

func newTestManager(t *testing.T) (*Manager, string, func()) {
	tmp := t.TempDir()
	store, err := jsondb.New(filepath.Join(tmp, "jobs.json"))
	assert.NoError(t, err)
	engine, err := jobs.NewEngine(store, 1)
	assert.NoError(t, err)
	m, err := NewManager(filepath.Join(tmp, "golden"), engine, cidx.New("test"), nil)
	assert.NoError(t, err)
	return m, tmp, engine.Shutdown
}

func TestValidateAlias(t *testing.T) {
	for _, alias := range []string{"hello", "my-repo", "a.b_c", "Repo2"} {
		assert.NoError(t, ValidateAlias(alias), alias)
	}
	for _, alias := range []string{
		"",
		"has space",
		"a/b",
		`a\b`,
		"..",
		"a..b",
		"../escape",
		"emoji😀",
	} {
		err := ValidateAlias(alias)
		assert.True(t, apierr.IsKind(err, apierr.Validation), alias)
	}
}

func TestGetAndList(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	_, err := m.Get("missing")
	assert.True(t, apierr.IsKind(err, apierr.NotFound))
	assert.Empty(t, m.List())

	m.mtx.Lock()
	m.repos["hello"] = &Repo{
		Alias:         "hello",
		RepoURL:       "/tmp/fixture.git",
		DefaultBranch: "master",
		ClonePath:     filepath.Join(m.root, "hello"),
		CreatedAt:     time.Now().UTC(),
	}
	assert.NoError(t, m.writeMetadataLocked())
	m.mtx.Unlock()

	r, err := m.Get("hello")
	assert.NoError(t, err)
	assert.Equal(t, "master", r.DefaultBranch)

	// Get returns a copy, not a handle on the registry.
	r.DefaultBranch = "changed"
	again, err := m.Get("hello")
	assert.NoError(t, err)
	assert.Equal(t, "master", again.DefaultBranch)

	assert.Len(t, m.List(), 1)
}

func TestMetadataSurvivesReload(t *testing.T) {
	m, tmp, cleanup := newTestManager(t)
	defer cleanup()

	m.mtx.Lock()
	m.repos["hello"] = &Repo{
		Alias:         "hello",
		RepoURL:       "https://example.com/hello.git",
		DefaultBranch: "main",
		ClonePath:     filepath.Join(m.root, "hello"),
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
	assert.NoError(t, m.writeMetadataLocked())
	m.mtx.Unlock()

	store, err := jsondb.New(filepath.Join(tmp, "jobs2.json"))
	assert.NoError(t, err)
	engine, err := jobs.NewEngine(store, 1)
	assert.NoError(t, err)
	defer engine.Shutdown()

	m2, err := NewManager(m.root, engine, cidx.New("test"), nil)
	assert.NoError(t, err)
	r, err := m2.Get("hello")
	assert.NoError(t, err)
	assert.Equal(t, "main", r.DefaultBranch)
	assert.Equal(t, "https://example.com/hello.git", r.RepoURL)
}

func TestAddValidatesSynchronously(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	_, err := m.Add(ctx, "/tmp/fixture.git", "bad alias", "master", "admin", AddOptions{})
	assert.True(t, apierr.IsKind(err, apierr.Validation))

	_, err = m.Add(ctx, "", "ok", "master", "admin", AddOptions{})
	assert.True(t, apierr.IsKind(err, apierr.Validation))
}

func TestAddEnforcesQuota(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	m.mtx.Lock()
	for i := 0; i < MAX_GOLDEN_REPOS; i++ {
		alias := "repo" + string(rune('a'+i))
		m.repos[alias] = &Repo{Alias: alias}
	}
	m.mtx.Unlock()

	_, err := m.Add(context.Background(), "/tmp/fixture.git", "onemore", "master", "admin", AddOptions{})
	assert.True(t, apierr.IsKind(err, apierr.Conflict))
}

func TestDirSize(t *testing.T) {
	tmp := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(tmp, "a"), make([]byte, 100), 0644))
	assert.NoError(t, os.MkdirAll(filepath.Join(tmp, "sub"), 0755))
	assert.NoError(t, os.WriteFile(filepath.Join(tmp, "sub", "b"), make([]byte, 50), 0644))

	size, err := dirSize(tmp)
	assert.NoError(t, err)
	assert.Equal(t, int64(150), size)
}
