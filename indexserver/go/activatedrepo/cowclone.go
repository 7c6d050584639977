package activatedrepo

import (
	"context"
	"fmt"
	"time"

	"go.cidx.org/server/go/exec"
	"go.cidx.org/server/go/git"
	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/indexserver/go/goldenrepo"
)

const (
	// COW_CLONE_TIMEOUT bounds the filesystem copy of the golden clone.
	COW_CLONE_TIMEOUT = 2 * time.Minute

	// FETCH_TIMEOUT bounds the post-clone best-effort fetch.
	FETCH_TIMEOUT = 60 * time.Second

	// UPSTREAM_REMOTE is the remote pointing at the original upstream
	// URL; GOLDEN_REMOTE points at the local golden clone.
	UPSTREAM_REMOTE = "origin"
	GOLDEN_REMOTE   = "golden"
)

// cowClone copies the golden clone into dest using copy-on-write where
// the filesystem supports it, then normalizes the copy: refreshed
// timestamps, restored working tree, rewritten index config, and the
// dual-remote topology.
func (m *Manager) cowClone(ctx context.Context, golden *goldenrepo.Repo, dest string, progress func(int)) error {
	if _, err := exec.RunCommand(ctx, &exec.Command{
		Name:    "cp",
		Args:    []string{"--reflink=auto", "-r", golden.ClonePath, dest},
		Timeout: COW_CLONE_TIMEOUT,
	}); err != nil {
		return fmt.Errorf("Failed to copy %s to %s: %s", golden.ClonePath, dest, err)
	}
	progress(40)

	d := git.GitDir(dest)

	// The copy carries stale stat info; refresh it and restore any
	// paths git now believes are modified. update-index exits nonzero
	// when entries needed refreshing, which is exactly the case being
	// repaired.
	if _, err := d.Git(ctx, "update-index", "--refresh"); err != nil {
		sklog.Debugf("git update-index --refresh in %s: %s", dest, err)
	}
	if _, err := d.Git(ctx, "restore", "."); err != nil {
		return fmt.Errorf("Failed to restore working tree in %s: %s", dest, err)
	}
	progress(50)

	if err := m.cidx.FixConfig(ctx, dest); err != nil {
		return err
	}
	progress(60)

	upstream, err := configureRemotes(ctx, d, golden)
	if err != nil {
		return err
	}

	// Fetching upstream is best effort; air-gapped deployments work
	// from the golden remote alone.
	if upstream != "" {
		if _, err := d.GitWithTimeout(ctx, FETCH_TIMEOUT, "fetch", UPSTREAM_REMOTE); err != nil {
			sklog.Warningf("Best-effort fetch of %s in %s failed: %s", UPSTREAM_REMOTE, dest, err)
		}
	}
	progress(70)

	// The copy must be a usable git repository; a broken one is a
	// fatal activation failure.
	if _, err := d.Git(ctx, "status"); err != nil {
		return fmt.Errorf("Cloned repository at %s is not usable: %s", dest, err)
	}
	return nil
}

// upstreamURL returns the URL the activated repository's origin remote
// should carry: the golden clone's own origin when it points at a real
// remote, falling back to the registered repository URL. Returns ""
// when neither is a remote URL; a golden registered from a local path
// whose clone carries no upstream has no origin at all.
func upstreamURL(ctx context.Context, golden *goldenrepo.Repo) string {
	if url, err := git.GitDir(golden.ClonePath).RemoteURL(ctx, UPSTREAM_REMOTE); err == nil && git.IsRemoteURL(url) {
		return url
	}
	if git.IsRemoteURL(golden.RepoURL) {
		return golden.RepoURL
	}
	return ""
}

// configureRemotes sets origin to the golden clone's upstream URL and
// adds the golden remote pointing at the local golden clone. origin is
// dropped entirely when no upstream exists, so it never points into
// the server's own filesystem. Returns the configured upstream URL,
// "" when origin was omitted.
func configureRemotes(ctx context.Context, d git.GitDir, golden *goldenrepo.Repo) (string, error) {
	upstream := upstreamURL(ctx, golden)
	if _, err := d.Git(ctx, "remote", "remove", UPSTREAM_REMOTE); err != nil {
		sklog.Debugf("Removing inherited origin in %s: %s", d, err)
	}
	if upstream != "" {
		if _, err := d.Git(ctx, "remote", "add", UPSTREAM_REMOTE, upstream); err != nil {
			return "", fmt.Errorf("Failed to add origin remote: %s", err)
		}
	}
	if _, err := d.Git(ctx, "remote", "remove", GOLDEN_REMOTE); err != nil {
		sklog.Debugf("No pre-existing golden remote in %s.", d)
	}
	if _, err := d.Git(ctx, "remote", "add", GOLDEN_REMOTE, golden.ClonePath); err != nil {
		return "", fmt.Errorf("Failed to add golden remote: %s", err)
	}
	return upstream, nil
}
