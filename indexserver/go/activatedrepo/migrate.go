package activatedrepo

import (
	"context"

	"go.cidx.org/server/go/git"
	"go.cidx.org/server/go/sklog"
)

// MigrateRemotes upgrades a legacy activated repository, whose only
// remote is an origin pointing at the local golden clone, to the
// dual-remote topology. It is idempotent and returns true only when a
// migration was actually performed. Callers run it just in time before
// any operation that touches remotes.
func (m *Manager) MigrateRemotes(ctx context.Context, username, userAlias string) (bool, error) {
	md, err := m.Get(username, userAlias)
	if err != nil {
		return false, err
	}
	golden, err := m.golden.Get(md.GoldenRepoAlias)
	if err != nil {
		return false, err
	}
	d := git.GitDir(m.RepoDir(username, userAlias))
	remotes, err := d.Remotes(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := remotes[GOLDEN_REMOTE]; ok {
		return false, nil
	}
	if url, ok := remotes[UPSTREAM_REMOTE]; ok && git.IsRemoteURL(url) {
		// origin already points upstream; only the golden remote is
		// missing.
		if _, err := d.Git(ctx, "remote", "add", GOLDEN_REMOTE, golden.ClonePath); err != nil {
			return false, err
		}
		sklog.Infof("Added missing golden remote to %s/%s.", username, userAlias)
		return true, nil
	}
	if _, err := configureRemotes(ctx, d, golden); err != nil {
		return false, err
	}
	sklog.Infof("Migrated %s/%s to the dual-remote layout.", username, userAlias)
	return true, nil
}
