package activatedrepo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.cidx.org/server/go/git"
	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/indexserver/go/apierr"
)

// SyncResult describes a sync with the golden clone.
type SyncResult struct {
	ChangesApplied bool   `json:"changes_applied"`
	CommitsApplied int64  `json:"commits_applied"`
	Branch         string `json:"branch"`
	Message        string `json:"message,omitempty"`
}

// SyncWithGolden fast-forwards the activated repository's current
// branch from the golden remote. A failed fetch of the golden clone is
// reported as success with no changes applied; a merge conflict is a
// fatal error left for the user to resolve.
func (m *Manager) SyncWithGolden(ctx context.Context, username, userAlias string) (*SyncResult, error) {
	if _, err := m.MigrateRemotes(ctx, username, userAlias); err != nil {
		return nil, err
	}
	md, err := m.Get(username, userAlias)
	if err != nil {
		return nil, err
	}
	d := git.GitDir(m.RepoDir(username, userAlias))
	branch, err := d.CurrentBranch(ctx)
	if err != nil {
		branch = md.CurrentBranch
	}
	rv := &SyncResult{Branch: branch}

	if _, err := d.GitWithTimeout(ctx, FETCH_TIMEOUT, "fetch", GOLDEN_REMOTE); err != nil {
		sklog.Warningf("Fetch of %s for %s/%s failed: %s", GOLDEN_REMOTE, username, userAlias, err)
		rv.Message = "Could not reach the golden repository; no changes applied."
		return rv, nil
	}

	goldenRef := fmt.Sprintf("%s/%s", GOLDEN_REMOTE, branch)
	if !d.HasRemoteRef(ctx, GOLDEN_REMOTE, branch) {
		rv.Message = fmt.Sprintf("Golden repository has no branch %q; no changes applied.", branch)
		return rv, nil
	}

	out, err := d.Git(ctx, "rev-list", "--count", fmt.Sprintf("HEAD..%s", goldenRef))
	if err != nil {
		return nil, fmt.Errorf("Failed to count new commits: %s", err)
	}
	behind, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("Unexpected rev-list output %q: %s", out, err)
	}
	if behind == 0 {
		rv.Message = "Already up to date."
		return rv, nil
	}

	if out, err := d.Git(ctx, "merge", goldenRef); err != nil {
		if strings.Contains(out, "CONFLICT") {
			return nil, apierr.New(apierr.Conflict, "Merge from golden produced conflicts; resolve them in the repository and commit.")
		}
		return nil, apierr.Wrap(err, apierr.GitOperation, "Merge from golden failed.")
	}
	rv.ChangesApplied = true
	rv.CommitsApplied = behind

	m.touchNow(username, md)
	return rv, nil
}

func (m *Manager) touchNow(username string, md *Metadata) {
	md.LastAccessed = time.Now().UTC()
	if err := m.writeMetadata(username, md); err != nil {
		sklog.Warningf("Failed to update metadata for %s/%s: %s", username, md.UserAlias, err)
	}
}
