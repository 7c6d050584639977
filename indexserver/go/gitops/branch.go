package gitops

import (
	"context"
	"strings"

	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/indexserver/go/activatedrepo"
)

// BranchInfo is one entry of the branch list.
type BranchInfo struct {
	Name    string `json:"name"`
	Current bool   `json:"current"`
	Remote  bool   `json:"remote"`
}

// BranchList returns local and remote-tracking branches, marking the
// current one.
func (s *Service) BranchList(ctx context.Context, username, alias string) ([]*BranchInfo, error) {
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return nil, err
	}
	out, err := runGit(ctx, dir, LOCAL_TIMEOUT, nil, "branch", "-a")
	if err != nil {
		return nil, err
	}
	rv := []*BranchInfo{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, " ")
		if line == "" || strings.Contains(line, "->") {
			continue
		}
		current := strings.HasPrefix(line, "* ")
		name := strings.TrimSpace(strings.TrimPrefix(line, "* "))
		remote := strings.HasPrefix(name, "remotes/")
		rv = append(rv, &BranchInfo{
			Name:    strings.TrimPrefix(name, "remotes/"),
			Current: current,
			Remote:  remote,
		})
	}
	return rv, nil
}

// BranchCreate creates the branch at HEAD and switches to it.
func (s *Service) BranchCreate(ctx context.Context, username, alias, branch string) error {
	if err := activatedrepo.ValidateBranch(branch); err != nil {
		return err
	}
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return err
	}
	if _, err := runGit(ctx, dir, LOCAL_TIMEOUT, nil, "checkout", "-b", branch); err != nil {
		return err
	}
	s.recordBranch(username, alias, branch)
	return nil
}

// BranchSwitch switches to the branch using the activated repository's
// fetch-and-fallback strategy and updates its metadata.
func (s *Service) BranchSwitch(ctx context.Context, username, alias, branch string) (*activatedrepo.SwitchResult, error) {
	return s.activated.SwitchBranch(ctx, username, alias, branch)
}

// BranchDelete deletes a local branch. Requires a confirmation token.
func (s *Service) BranchDelete(ctx context.Context, username, alias, branch, token string) (*DestructiveResult, error) {
	if err := activatedrepo.ValidateBranch(branch); err != nil {
		return nil, err
	}
	if pending, err := s.confirm(OP_BRANCH_DELETE, token); pending != nil || err != nil {
		return pending, err
	}
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return nil, err
	}
	out, err := runGit(ctx, dir, LOCAL_TIMEOUT, nil, "branch", "-d", branch)
	if err != nil {
		return nil, err
	}
	return &DestructiveResult{Output: out}, nil
}

// recordBranch updates the sidecar metadata after a branch change made
// outside SwitchBranch.
func (s *Service) recordBranch(username, alias, branch string) {
	md, err := s.activated.Get(username, alias)
	if err != nil {
		return
	}
	md.CurrentBranch = branch
	if err := s.activated.PutMetadata(username, md); err != nil {
		sklog.Warningf("Failed to record branch %q for %s/%s: %s", branch, username, alias, err)
	}
}
