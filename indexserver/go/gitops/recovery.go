package gitops

import (
	"context"

	"go.cidx.org/server/indexserver/go/filecrud"
)

// Operation names bound into confirmation tokens. A token issued for
// one operation never authorizes another.
const (
	OP_RESET         = "reset"
	OP_CLEAN         = "clean"
	OP_BRANCH_DELETE = "branch_delete"
)

// DestructiveResult is the two-phase response of a token-gated
// operation. When RequiresConfirmation is set, no git ran; the caller
// replays the request with Token.
type DestructiveResult struct {
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Token                string `json:"token,omitempty"`
	Output               string `json:"output,omitempty"`
}

// confirm implements the two-phase token protocol. It returns a
// non-nil pending result when the caller must confirm, or consumes the
// token and returns nil so the operation can proceed.
func (s *Service) confirm(operation, token string) (*DestructiveResult, error) {
	if token == "" {
		t, err := s.tokens.Issue(operation)
		if err != nil {
			return nil, err
		}
		return &DestructiveResult{
			RequiresConfirmation: true,
			Token:                t,
		}, nil
	}
	if err := s.tokens.Consume(token, operation); err != nil {
		return nil, err
	}
	return nil, nil
}

// Reset discards all uncommitted changes with git reset --hard.
// Requires a confirmation token.
func (s *Service) Reset(ctx context.Context, username, alias, token string) (*DestructiveResult, error) {
	if pending, err := s.confirm(OP_RESET, token); pending != nil || err != nil {
		return pending, err
	}
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return nil, err
	}
	out, err := runGit(ctx, dir, LOCAL_TIMEOUT, nil, "reset", "--hard", "HEAD")
	if err != nil {
		return nil, err
	}
	return &DestructiveResult{Output: out}, nil
}

// Clean removes untracked files and directories with git clean -fd.
// Requires a confirmation token.
func (s *Service) Clean(ctx context.Context, username, alias, token string) (*DestructiveResult, error) {
	if pending, err := s.confirm(OP_CLEAN, token); pending != nil || err != nil {
		return pending, err
	}
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return nil, err
	}
	out, err := runGit(ctx, dir, LOCAL_TIMEOUT, nil, "clean", "-fd")
	if err != nil {
		return nil, err
	}
	return &DestructiveResult{Output: out}, nil
}

// MergeAbort aborts an in-progress merge, restoring the pre-merge
// state.
func (s *Service) MergeAbort(ctx context.Context, username, alias string) error {
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return err
	}
	_, err = runGit(ctx, dir, LOCAL_TIMEOUT, nil, "merge", "--abort")
	return err
}

// CheckoutFile restores a single file from HEAD, discarding its local
// modifications. The path is sandbox-checked like any file operation.
func (s *Service) CheckoutFile(ctx context.Context, username, alias, path string) error {
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return err
	}
	if _, err := filecrud.Resolve(dir, path); err != nil {
		return err
	}
	_, err = runGit(ctx, dir, LOCAL_TIMEOUT, nil, "checkout", "--", path)
	return err
}
