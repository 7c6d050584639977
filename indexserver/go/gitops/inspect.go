package gitops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/indexserver/go/apierr"
)

// StatusEntry is one line of porcelain status output.
type StatusEntry struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

// StatusResult is the parsed output of git status.
type StatusResult struct {
	Branch  string        `json:"branch"`
	Clean   bool          `json:"clean"`
	Entries []StatusEntry `json:"entries"`
}

// Status returns the parsed porcelain status of the repository.
func (s *Service) Status(ctx context.Context, username, alias string) (*StatusResult, error) {
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return nil, err
	}
	out, err := runGit(ctx, dir, LOCAL_TIMEOUT, nil, "status", "--porcelain", "--branch")
	if err != nil {
		return nil, err
	}
	rv := &StatusResult{Entries: []StatusEntry{}}
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			branch := strings.TrimPrefix(line, "## ")
			if idx := strings.Index(branch, "..."); idx > 0 {
				branch = branch[:idx]
			}
			rv.Branch = branch
			continue
		}
		if len(line) < 4 {
			continue
		}
		rv.Entries = append(rv.Entries, StatusEntry{
			Status: strings.TrimSpace(line[:2]),
			Path:   strings.TrimSpace(line[3:]),
		})
	}
	rv.Clean = len(rv.Entries) == 0
	return rv, nil
}

// DiffOptions selects what git diff compares and how it is rendered.
type DiffOptions struct {
	// ContextLines maps to -U<n>; zero means git's default.
	ContextLines int
	// Stat renders --stat instead of a patch.
	Stat bool
	// Rev is a single revision or an A..B range.
	Rev string
	// Paths limits the diff, passed after "--".
	Paths []string
	// Cached diffs the index against HEAD.
	Cached bool
}

// Diff returns the raw diff output for the given options.
func (s *Service) Diff(ctx context.Context, username, alias string, opts DiffOptions) (string, error) {
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return "", err
	}
	args := []string{"diff"}
	if opts.Cached {
		args = append(args, "--cached")
	}
	if opts.ContextLines > 0 {
		args = append(args, fmt.Sprintf("-U%d", opts.ContextLines))
	}
	if opts.Stat {
		args = append(args, "--stat")
	}
	if opts.Rev != "" {
		if strings.HasPrefix(opts.Rev, "-") {
			return "", apierr.New(apierr.Validation, "Invalid revision %q.", opts.Rev)
		}
		args = append(args, opts.Rev)
	}
	if len(opts.Paths) > 0 {
		args = append(args, "--")
		args = append(args, opts.Paths...)
	}
	return runGit(ctx, dir, LOCAL_TIMEOUT, nil, args...)
}

// Commit is one parsed entry of git log output.
type Commit struct {
	Hash        string `json:"hash"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	Date        string `json:"date"`
	Subject     string `json:"subject"`
}

// LogOptions filters git log output.
type LogOptions struct {
	Limit  int
	Since  string
	Until  string
	Author string
	Branch string
	Path   string
}

// logFormat makes git emit one JSON object per commit. %x22 is a
// double quote, keeping the format string itself shell-safe.
const logFormat = `--format={%x22hash%x22:%x22%H%x22,%x22author_name%x22:%x22%an%x22,%x22author_email%x22:%x22%ae%x22,%x22date%x22:%x22%aI%x22,%x22subject%x22:%x22%s%x22}`

// Log returns parsed commits. Lines that fail to parse as JSON, which
// can happen when a commit subject contains a double quote, are
// skipped with a warning.
func (s *Service) Log(ctx context.Context, username, alias string, opts LogOptions) ([]*Commit, error) {
	dir, err := s.repoDir(username, alias)
	if err != nil {
		return nil, err
	}
	args := []string{"log", logFormat}
	if opts.Limit > 0 {
		args = append(args, fmt.Sprintf("-n%d", opts.Limit))
	}
	if opts.Since != "" {
		args = append(args, "--since", opts.Since)
	}
	if opts.Until != "" {
		args = append(args, "--until", opts.Until)
	}
	if opts.Author != "" {
		args = append(args, "--author", opts.Author)
	}
	if opts.Branch != "" {
		if err := activatedBranchArg(opts.Branch); err != nil {
			return nil, err
		}
		args = append(args, opts.Branch)
	}
	if opts.Path != "" {
		args = append(args, "--", opts.Path)
	}
	out, err := runGit(ctx, dir, LOCAL_TIMEOUT, nil, args...)
	if err != nil {
		return nil, err
	}
	rv := []*Commit{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		c := &Commit{}
		if err := json.Unmarshal([]byte(line), c); err != nil {
			sklog.Warningf("Skipping unparseable log line %q: %s", line, err)
			continue
		}
		rv = append(rv, c)
	}
	return rv, nil
}

func activatedBranchArg(branch string) error {
	if strings.HasPrefix(branch, "-") {
		return apierr.New(apierr.Validation, "Invalid branch selector %q.", branch)
	}
	return nil
}
