package gitops

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.cidx.org/server/indexserver/go/apierr"
)

var (
	emailRegexp      = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	authorNameRegexp = regexp.MustCompile(`^[A-Za-z0-9 _-]+$`)
)

// Trailer lines appended to every commit made through the API.
const (
	TRAILER_ACTUAL_AUTHOR = "Actual-Author:"
	TRAILER_COMMITTED_VIA = "Committed-Via:"
	COMMITTED_VIA_VALUE   = "CIDX API"
)

// Stage adds the given paths to the index. With no paths, everything
// is staged.
func (s *Service) Stage(ctx context.Context, username, alias string, paths []string) error {
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return err
	}
	args := []string{"add"}
	if len(paths) == 0 {
		args = append(args, "-A")
	} else {
		args = append(args, "--")
		args = append(args, paths...)
	}
	_, err = runGit(ctx, dir, LOCAL_TIMEOUT, nil, args...)
	return err
}

// Unstage removes the given paths from the index. With no paths, the
// whole index is reset to HEAD.
func (s *Service) Unstage(ctx context.Context, username, alias string, paths []string) error {
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return err
	}
	args := []string{"reset", "HEAD"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	_, err = runGit(ctx, dir, LOCAL_TIMEOUT, nil, args...)
	return err
}

// CommitResult reports a completed commit.
type CommitResult struct {
	Hash        string `json:"hash"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
}

// Commit records a commit with dual attribution: the requesting user
// as author, the service identity as committer, and trailers naming
// the actual author and the API.
func (s *Service) Commit(ctx context.Context, username, alias, message, authorEmail, authorName string) (*CommitResult, error) {
	if strings.TrimSpace(message) == "" {
		return nil, apierr.New(apierr.Validation, "Commit message is required.")
	}
	if !emailRegexp.MatchString(authorEmail) {
		return nil, apierr.New(apierr.Validation, "Invalid author email %q.", authorEmail)
	}
	if authorName == "" {
		authorName = authorEmail[:strings.Index(authorEmail, "@")]
	}
	if !authorNameRegexp.MatchString(authorName) {
		return nil, apierr.New(apierr.Validation, "Author name may contain only letters, digits, spaces, hyphens, and underscores.")
	}
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return nil, err
	}

	env := []string{
		fmt.Sprintf("GIT_AUTHOR_NAME=%s", authorName),
		fmt.Sprintf("GIT_AUTHOR_EMAIL=%s", authorEmail),
		fmt.Sprintf("GIT_COMMITTER_NAME=%s", s.cfg.CommitterName),
		fmt.Sprintf("GIT_COMMITTER_EMAIL=%s", s.cfg.CommitterEmail),
	}
	if _, err := runGit(ctx, dir, LOCAL_TIMEOUT, env, "commit", "-m", withTrailers(message, authorEmail)); err != nil {
		return nil, err
	}
	hash, err := runGit(ctx, dir, LOCAL_TIMEOUT, nil, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &CommitResult{
		Hash:        strings.TrimSpace(hash),
		AuthorName:  authorName,
		AuthorEmail: authorEmail,
	}, nil
}

// withTrailers strips any forged attribution trailers from the message
// and appends the genuine ones.
func withTrailers(message, authorEmail string) string {
	lines := strings.Split(message, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, TRAILER_ACTUAL_AUTHOR) || strings.HasPrefix(trimmed, TRAILER_COMMITTED_VIA) {
			continue
		}
		kept = append(kept, line)
	}
	body := strings.TrimRight(strings.Join(kept, "\n"), "\n")
	return fmt.Sprintf("%s\n\n%s %s\n%s %s", body, TRAILER_ACTUAL_AUTHOR, authorEmail, TRAILER_COMMITTED_VIA, COMMITTED_VIA_VALUE)
}
