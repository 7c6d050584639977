package activatedrepo

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.cidx.org/server/go/git"
	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/indexserver/go/apierr"
)

var branchRegexp = regexp.MustCompile(`^[A-Za-z0-9/_.-]+$`)

// ValidateBranch rejects branch names git itself would refuse or that
// could be mistaken for command-line flags.
func ValidateBranch(branch string) error {
	if branch == "" {
		return apierr.New(apierr.Validation, "Branch name is required.")
	}
	if !branchRegexp.MatchString(branch) {
		return apierr.New(apierr.Validation, "Invalid branch name %q.", branch)
	}
	if strings.HasPrefix(branch, "-") {
		return apierr.New(apierr.Validation, "Branch name %q may not start with a dash.", branch)
	}
	if strings.HasSuffix(branch, ".lock") {
		return apierr.New(apierr.Validation, "Branch name %q may not end with .lock.", branch)
	}
	if strings.Contains(branch, "..") {
		return apierr.New(apierr.Validation, "Branch name %q may not contain \"..\".", branch)
	}
	return nil
}

// SwitchResult describes a completed branch switch.
type SwitchResult struct {
	Branch         string `json:"branch"`
	PreviousBranch string `json:"previous_branch"`
	FetchAttempted bool   `json:"fetch_attempted"`
	FetchSucceeded bool   `json:"fetch_succeeded"`
	Message        string `json:"message,omitempty"`
}

// SwitchBranch switches the activated repository to the given branch
// synchronously and records the new branch in the sidecar metadata.
func (m *Manager) SwitchBranch(ctx context.Context, username, userAlias, branch string) (*SwitchResult, error) {
	md, err := m.Get(username, userAlias)
	if err != nil {
		return nil, err
	}
	rv, err := m.switchBranchIn(ctx, m.RepoDir(username, userAlias), branch)
	if err != nil {
		return nil, err
	}
	rv.PreviousBranch = md.CurrentBranch
	md.CurrentBranch = branch
	md.LastAccessed = time.Now().UTC()
	if err := m.writeMetadata(username, md); err != nil {
		return nil, fmt.Errorf("Failed to record branch switch: %s", err)
	}
	return rv, nil
}

// switchBranchIn performs the actual switch in dir. A fetch of origin
// is attempted only when origin exists and points at a true remote;
// fetch failure falls through to local refs.
func (m *Manager) switchBranchIn(ctx context.Context, dir, branch string) (*SwitchResult, error) {
	if err := ValidateBranch(branch); err != nil {
		return nil, err
	}
	d := git.GitDir(dir)
	rv := &SwitchResult{Branch: branch}

	if url, err := d.RemoteURL(ctx, UPSTREAM_REMOTE); err == nil && git.IsRemoteURL(url) {
		rv.FetchAttempted = true
		if _, err := d.GitWithTimeout(ctx, FETCH_TIMEOUT, "fetch", UPSTREAM_REMOTE); err != nil {
			sklog.Warningf("Fetch of %s in %s failed; using local refs: %s", UPSTREAM_REMOTE, dir, err)
			rv.Message = "Fetch from origin failed; switched using local refs."
		} else {
			rv.FetchSucceeded = true
		}
	}

	remoteRef := fmt.Sprintf("%s/%s", UPSTREAM_REMOTE, branch)
	if rv.FetchSucceeded && d.HasRemoteRef(ctx, UPSTREAM_REMOTE, branch) {
		if _, err := d.Git(ctx, "checkout", "-B", branch, remoteRef); err == nil {
			return rv, nil
		} else {
			sklog.Warningf("checkout -B %s %s in %s failed: %s", branch, remoteRef, dir, err)
		}
	}
	if _, err := d.Git(ctx, "checkout", branch); err == nil {
		return rv, nil
	}
	if d.HasRemoteRef(ctx, UPSTREAM_REMOTE, branch) {
		if _, err := d.Git(ctx, "checkout", "-b", branch, remoteRef); err == nil {
			return rv, nil
		}
	}
	if d.HasLocalRef(ctx, branch) {
		if _, err := d.Git(ctx, "checkout", "-B", branch); err == nil {
			return rv, nil
		}
	}
	detail := "after fetching origin"
	if !rv.FetchAttempted {
		detail = "without fetching (origin is not a remote URL)"
	} else if !rv.FetchSucceeded {
		detail = "and the fetch of origin failed"
	}
	return nil, apierr.New(apierr.GitOperation, "Branch %q not found %s.", branch, detail)
}
