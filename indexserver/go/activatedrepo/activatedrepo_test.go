package activatedrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"

	"go.cidx.org/server/go/git"
	git_testutils "go.cidx.org/server/go/git/testutils"
	"go.cidx.org/server/go/util"
	"go.cidx.org/server/indexserver/go/apierr"
	"go.cidx.org/server/indexserver/go/cidx"
	"go.cidx.org/server/indexserver/go/goldenrepo"
	"go.cidx.org/server/indexserver/go/jobs"
	"go.cidx.org/server/indexserver/go/jobs/jsondb"
)

func newTestManager(t *testing.T) (*Manager, *goldenrepo.Manager, func()) {
	tmp := t.TempDir()
	store, err := jsondb.New(filepath.Join(tmp, "jobs.json"))
	assert.NoError(t, err)
	engine, err := jobs.NewEngine(store, 1)
	assert.NoError(t, err)
	golden, err := goldenrepo.NewManager(filepath.Join(tmp, "golden"), engine, cidx.New("test"), nil)
	assert.NoError(t, err)
	m, err := NewManager(filepath.Join(tmp, "activated"), engine, golden, cidx.New("test"))
	assert.NoError(t, err)
	return m, golden, engine.Shutdown
}

// fakeActivation fabricates the on-disk shape of a completed
// activation: a git working tree plus its sidecar metadata.
func fakeActivation(t *testing.T, m *Manager, username, alias, goldenAlias string) *git_testutils.GitBuilder {
	gb := git_testutils.GitInit(t)
	dest := m.RepoDir(username, alias)
	assert.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
	assert.NoError(t, os.Rename(gb.Dir(), dest))
	now := time.Now().UTC()
	assert.NoError(t, util.WriteJSONFile(m.MetadataFile(username, alias), &Metadata{
		UserAlias:       alias,
		GoldenRepoAlias: goldenAlias,
		CurrentBranch:   "master",
		ActivatedAt:     now,
		LastAccessed:    now,
	}))
	return gb
}

func TestValidateBranch(t *testing.T) {
	for _, b := range []string{"master", "feature/x", "a_b.c-d", "v1.2.3"} {
		assert.NoError(t, ValidateBranch(b), b)
	}
	for _, b := range []string{
		"",
		"-rf",
		"--force",
		"a..b",
		"branch.lock",
		"has space",
		"semi;colon",
	} {
		err := ValidateBranch(b)
		assert.True(t, apierr.IsKind(err, apierr.Validation), b)
	}
}

func TestIsActivatedRequiresBothParts(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	assert.False(t, m.IsActivated("u", "r"))

	// Directory alone is not enough.
	assert.NoError(t, os.MkdirAll(m.RepoDir("u", "r"), 0755))
	assert.False(t, m.IsActivated("u", "r"))

	// Metadata alone is not enough either.
	assert.NoError(t, os.RemoveAll(m.RepoDir("u", "r")))
	assert.NoError(t, util.WriteJSONFile(m.MetadataFile("u", "r"), &Metadata{UserAlias: "r"}))
	assert.False(t, m.IsActivated("u", "r"))

	assert.NoError(t, os.MkdirAll(m.RepoDir("u", "r"), 0755))
	assert.True(t, m.IsActivated("u", "r"))
}

func TestListSkipsCorruptSidecars(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	now := time.Now().UTC()
	assert.NoError(t, os.MkdirAll(m.RepoDir("u", "good"), 0755))
	assert.NoError(t, util.WriteJSONFile(m.MetadataFile("u", "good"), &Metadata{
		UserAlias:       "good",
		GoldenRepoAlias: "g",
		CurrentBranch:   "master",
		ActivatedAt:     now,
		LastAccessed:    now,
	}))
	assert.NoError(t, os.MkdirAll(m.RepoDir("u", "bad"), 0755))
	assert.NoError(t, os.WriteFile(m.MetadataFile("u", "bad"), []byte("{not json"), 0644))

	mds, err := m.List("u")
	assert.NoError(t, err)
	assert.Len(t, mds, 1)
	assert.Equal(t, "good", mds[0].UserAlias)
}

func TestListUnknownUser(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()
	mds, err := m.List("nobody")
	assert.NoError(t, err)
	assert.Empty(t, mds)
}

func TestActivateValidation(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	_, err := m.Activate(ctx, "", "g", "", "")
	assert.True(t, apierr.IsKind(err, apierr.Validation))

	// Unknown golden repository.
	_, err = m.Activate(ctx, "u", "missing", "", "")
	assert.True(t, apierr.IsKind(err, apierr.NotFound))
}

func TestDeactivateRequiresActivation(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()
	_, err := m.Deactivate(context.Background(), "u", "r")
	assert.True(t, apierr.IsKind(err, apierr.NotFound))
}

func TestDeactivateRemovesBothParts(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()
	fakeActivation(t, m, "u", "r", "g")

	id, err := m.Deactivate(context.Background(), "u", "r")
	assert.NoError(t, err)
	waitTerminal(t, m.engine, id, "u")

	assert.False(t, m.IsActivated("u", "r"))
	_, err = os.Stat(m.RepoDir("u", "r"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(m.MetadataFile("u", "r"))
	assert.True(t, os.IsNotExist(err))
}

func waitTerminal(t *testing.T, e *jobs.Engine, id, user string) *jobs.Job {
	var rv *jobs.Job
	assert.Eventually(t, func() bool {
		j, err := e.Status(id, user)
		if err != nil {
			return false
		}
		rv = j
		return j.Status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return rv
}

func TestUsersOf(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	now := time.Now().UTC()
	for _, fixture := range []struct{ user, alias, golden string }{
		{"alice", "r1", "g1"},
		{"bob", "r2", "g1"},
		{"carol", "r3", "g2"},
	} {
		assert.NoError(t, os.MkdirAll(m.RepoDir(fixture.user, fixture.alias), 0755))
		assert.NoError(t, util.WriteJSONFile(m.MetadataFile(fixture.user, fixture.alias), &Metadata{
			UserAlias:       fixture.alias,
			GoldenRepoAlias: fixture.golden,
			ActivatedAt:     now,
			LastAccessed:    now,
		}))
	}

	users, err := m.UsersOf("g1")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)

	users, err = m.UsersOf("g3")
	assert.NoError(t, err)
	assert.Empty(t, users)
}

func TestMigrateRemotes(t *testing.T) {
	m, golden, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	// A golden clone on disk, registered from a remote URL.
	goldenRepo := git_testutils.GitInit(t)
	defer goldenRepo.Cleanup()
	assert.NoError(t, golden.Register(&goldenrepo.Repo{
		Alias:         "g",
		RepoURL:       "https://example.com/g.git",
		DefaultBranch: "master",
		ClonePath:     goldenRepo.Dir(),
		CreatedAt:     time.Now().UTC(),
	}))

	// Legacy activation: single origin remote pointing at the local
	// golden clone.
	fakeActivation(t, m, "u", "r", "g")
	d := git.GitDir(m.RepoDir("u", "r"))
	_, err := d.Git(ctx, "remote", "add", "origin", goldenRepo.Dir())
	assert.NoError(t, err)

	migrated, err := m.MigrateRemotes(ctx, "u", "r")
	assert.NoError(t, err)
	assert.True(t, migrated)

	remotes, err := d.Remotes(ctx)
	assert.NoError(t, err)
	assert.Equal(t, goldenRepo.Dir(), remotes["golden"])
	assert.Equal(t, "https://example.com/g.git", remotes["origin"])

	// Second run is a no-op.
	migrated, err = m.MigrateRemotes(ctx, "u", "r")
	assert.NoError(t, err)
	assert.False(t, migrated)
}

func TestConfigureRemotesPropagatesGoldenOrigin(t *testing.T) {
	ctx := context.Background()

	// Golden registered from a local path whose clone still carries the
	// source repository's real upstream.
	goldenRepo := git_testutils.GitInit(t)
	defer goldenRepo.Cleanup()
	goldenRepo.Git("remote", "add", "origin", "https://example.com/up.git")

	work := git_testutils.GitInit(t)
	defer work.Cleanup()
	d := git.GitDir(work.Dir())
	// Inherited origin pointing into the server's own filesystem.
	_, err := d.Git(ctx, "remote", "add", "origin", goldenRepo.Dir())
	assert.NoError(t, err)

	upstream, err := configureRemotes(ctx, d, &goldenrepo.Repo{
		Alias:     "g",
		RepoURL:   "/srv/source/repo",
		ClonePath: goldenRepo.Dir(),
	})
	assert.NoError(t, err)
	assert.Equal(t, "https://example.com/up.git", upstream)

	remotes, err := d.Remotes(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "https://example.com/up.git", remotes["origin"])
	assert.Equal(t, goldenRepo.Dir(), remotes["golden"])
}

func TestConfigureRemotesOmitsOriginWithoutUpstream(t *testing.T) {
	ctx := context.Background()

	// Neither the golden clone nor the registration URL names a real
	// remote.
	goldenRepo := git_testutils.GitInit(t)
	defer goldenRepo.Cleanup()

	work := git_testutils.GitInit(t)
	defer work.Cleanup()
	d := git.GitDir(work.Dir())
	_, err := d.Git(ctx, "remote", "add", "origin", goldenRepo.Dir())
	assert.NoError(t, err)

	upstream, err := configureRemotes(ctx, d, &goldenrepo.Repo{
		Alias:     "g",
		RepoURL:   "/srv/source/repo",
		ClonePath: goldenRepo.Dir(),
	})
	assert.NoError(t, err)
	assert.Equal(t, "", upstream)

	remotes, err := d.Remotes(ctx)
	assert.NoError(t, err)
	_, hasOrigin := remotes["origin"]
	assert.False(t, hasOrigin)
	assert.Equal(t, goldenRepo.Dir(), remotes["golden"])
}

func TestSwitchBranchLocal(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	fakeActivation(t, m, "u", "r", "g")
	d := git.GitDir(m.RepoDir("u", "r"))
	_, err := d.Git(ctx, "branch", "feature/x")
	assert.NoError(t, err)

	res, err := m.SwitchBranch(ctx, "u", "r", "feature/x")
	assert.NoError(t, err)
	assert.Equal(t, "feature/x", res.Branch)
	assert.Equal(t, "master", res.PreviousBranch)
	assert.False(t, res.FetchAttempted)

	current, err := d.CurrentBranch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "feature/x", current)

	// The sidecar records the switch.
	md, err := m.Get("u", "r")
	assert.NoError(t, err)
	assert.Equal(t, "feature/x", md.CurrentBranch)
}

func TestSwitchBranchUnknown(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	fakeActivation(t, m, "u", "r", "g")
	_, err := m.SwitchBranch(context.Background(), "u", "r", "does-not-exist")
	assert.True(t, apierr.IsKind(err, apierr.GitOperation))
}

func TestSyncWithGolden(t *testing.T) {
	m, golden, cleanup := newTestManager(t)
	defer cleanup()
	ctx := context.Background()

	goldenRepo := git_testutils.GitInit(t)
	defer goldenRepo.Cleanup()
	assert.NoError(t, golden.Register(&goldenrepo.Repo{
		Alias:         "g",
		RepoURL:       goldenRepo.Dir(),
		DefaultBranch: "master",
		ClonePath:     goldenRepo.Dir(),
		CreatedAt:     time.Now().UTC(),
	}))

	// Activation cloned at the golden's current head.
	dest := m.RepoDir("u", "r")
	assert.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
	_, err := git.GitDir(filepath.Dir(dest)).Git(ctx, "clone", goldenRepo.Dir(), dest)
	assert.NoError(t, err)
	now := time.Now().UTC()
	assert.NoError(t, util.WriteJSONFile(m.MetadataFile("u", "r"), &Metadata{
		UserAlias:       "r",
		GoldenRepoAlias: "g",
		CurrentBranch:   "master",
		ActivatedAt:     now,
		LastAccessed:    now,
	}))

	// Nothing new yet.
	res, err := m.SyncWithGolden(ctx, "u", "r")
	assert.NoError(t, err)
	assert.False(t, res.ChangesApplied)

	// The golden advances by one commit.
	goldenRepo.CommitGen("file.txt")

	res, err = m.SyncWithGolden(ctx, "u", "r")
	assert.NoError(t, err)
	assert.True(t, res.ChangesApplied)
	assert.Equal(t, int64(1), res.CommitsApplied)
}
