// Package activatedrepo manages per-user working copies of golden
// repositories, created via copy-on-write clones, each with its own
// current branch and sidecar metadata file.
package activatedrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/go/util"
	"go.cidx.org/server/indexserver/go/apierr"
	"go.cidx.org/server/indexserver/go/cidx"
	"go.cidx.org/server/indexserver/go/goldenrepo"
	"go.cidx.org/server/indexserver/go/jobs"
)

// METADATA_SUFFIX is appended to the user alias to form the sidecar
// metadata filename.
const METADATA_SUFFIX = "_metadata.json"

// Metadata is the sidecar record for one activated repository. It is
// the single source of truth for the current branch and last access
// time.
type Metadata struct {
	UserAlias       string    `json:"user_alias"`
	GoldenRepoAlias string    `json:"golden_repo_alias"`
	CurrentBranch   string    `json:"current_branch"`
	ActivatedAt     time.Time `json:"activated_at"`
	LastAccessed    time.Time `json:"last_accessed"`
}

// Manager owns each user's activated-repos subtree.
type Manager struct {
	root   string
	engine *jobs.Engine
	golden *goldenrepo.Manager
	cidx   *cidx.Client
}

// NewManager returns a Manager rooted at <root> (the activated-repos
// directory), creating it as needed.
func NewManager(root string, engine *jobs.Engine, golden *goldenrepo.Manager, cidxClient *cidx.Client) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create activated-repos root: %s", err)
	}
	return &Manager{
		root:   root,
		engine: engine,
		golden: golden,
		cidx:   cidxClient,
	}, nil
}

// RepoDir returns the path of the working tree for the given user and
// alias.
func (m *Manager) RepoDir(username, userAlias string) string {
	return filepath.Join(m.root, username, userAlias)
}

// MetadataFile returns the path of the sidecar metadata file.
func (m *Manager) MetadataFile(username, userAlias string) string {
	return filepath.Join(m.root, username, userAlias+METADATA_SUFFIX)
}

// IsActivated returns true only when both the working tree and the
// sidecar metadata file exist.
func (m *Manager) IsActivated(username, userAlias string) bool {
	if _, err := os.Stat(m.RepoDir(username, userAlias)); err != nil {
		return false
	}
	if _, err := os.Stat(m.MetadataFile(username, userAlias)); err != nil {
		return false
	}
	return true
}

// Get reads the sidecar metadata for an activated repository.
func (m *Manager) Get(username, userAlias string) (*Metadata, error) {
	if !m.IsActivated(username, userAlias) {
		return nil, apierr.New(apierr.NotFound, "Repository %q is not activated for user %q.", userAlias, username)
	}
	md := &Metadata{}
	if err := util.ReadJSONFile(m.MetadataFile(username, userAlias), md); err != nil {
		return nil, fmt.Errorf("Failed to read metadata for %s/%s: %s", username, userAlias, err)
	}
	return md, nil
}

// writeMetadata atomically writes the sidecar metadata file.
func (m *Manager) writeMetadata(username string, md *Metadata) error {
	return util.WriteJSONFile(m.MetadataFile(username, md.UserAlias), md)
}

// PutMetadata atomically rewrites the sidecar metadata, stamping the
// last-accessed time.
func (m *Manager) PutMetadata(username string, md *Metadata) error {
	md.LastAccessed = time.Now().UTC()
	return m.writeMetadata(username, md)
}

// Touch updates the last-accessed timestamp, best effort.
func (m *Manager) Touch(username, userAlias string) {
	md, err := m.Get(username, userAlias)
	if err != nil {
		return
	}
	md.LastAccessed = time.Now().UTC()
	if err := m.writeMetadata(username, md); err != nil {
		sklog.Warningf("Failed to update last_accessed for %s/%s: %s", username, userAlias, err)
	}
}

// List scans the user's directory and returns metadata for every live
// activation. Corrupted metadata files are skipped with a warning.
func (m *Manager) List(username string) ([]*Metadata, error) {
	userDir := filepath.Join(m.root, username)
	entries, err := os.ReadDir(userDir)
	if os.IsNotExist(err) {
		return []*Metadata{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to read %s: %s", userDir, err)
	}
	rv := []*Metadata{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), METADATA_SUFFIX) {
			continue
		}
		alias := strings.TrimSuffix(e.Name(), METADATA_SUFFIX)
		if _, err := os.Stat(filepath.Join(userDir, alias)); err != nil {
			// Metadata without a working tree is not a live activation.
			continue
		}
		md := &Metadata{}
		if err := util.ReadJSONFile(filepath.Join(userDir, e.Name()), md); err != nil {
			sklog.Warningf("Skipping corrupted metadata file %s: %s", e.Name(), err)
			continue
		}
		rv = append(rv, md)
	}
	return rv, nil
}

// UsersOf returns the usernames holding a live activation of the given
// golden repository.
func (m *Manager) UsersOf(goldenAlias string) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to read %s: %s", m.root, err)
	}
	rv := []string{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		mds, err := m.List(e.Name())
		if err != nil {
			sklog.Warningf("Failed to list activations for %s: %s", e.Name(), err)
			continue
		}
		for _, md := range mds {
			if md.GoldenRepoAlias == goldenAlias {
				rv = append(rv, e.Name())
				break
			}
		}
	}
	return rv, nil
}

// Activate creates a copy-on-write working copy of the given golden
// repository for the user. Validation is synchronous; the clone runs in
// a background job whose id is returned.
func (m *Manager) Activate(ctx context.Context, username, goldenAlias, branch, userAlias string) (string, error) {
	if username == "" {
		return "", apierr.New(apierr.Validation, "Username is required.")
	}
	if userAlias == "" {
		userAlias = goldenAlias
	}
	if err := goldenrepo.ValidateAlias(userAlias); err != nil {
		return "", err
	}
	golden, err := m.golden.Get(goldenAlias)
	if err != nil {
		return "", err
	}
	if m.IsActivated(username, userAlias) {
		return "", apierr.New(apierr.Conflict, "Repository %q is already activated for user %q.", userAlias, username)
	}
	return m.engine.Submit(jobs.SubmitRequest{
		OperationType: "activate",
		Username:      username,
		RepoAlias:     userAlias,
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		return m.activateJob(ctx, username, golden, branch, userAlias, progress)
	})
}

func (m *Manager) activateJob(ctx context.Context, username string, golden *goldenrepo.Repo, branch, userAlias string, progress func(int)) (map[string]interface{}, error) {
	dest := m.RepoDir(username, userAlias)

	// A directory without its metadata sidecar is a dead half-state
	// from an earlier failure; clear it so activation can succeed.
	if _, err := os.Stat(dest); err == nil {
		if _, err := os.Stat(m.MetadataFile(username, userAlias)); err != nil {
			sklog.Warningf("Removing stale activation directory %s.", dest)
			if err := os.RemoveAll(dest); err != nil {
				return nil, fmt.Errorf("Failed to remove stale directory %s: %s", dest, err)
			}
		} else {
			return nil, apierr.New(apierr.Conflict, "Repository %q is already activated for user %q.", userAlias, username)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("Failed to create user directory: %s", err)
	}

	if err := m.cowClone(ctx, golden, dest, progress); err != nil {
		util.RemoveAll(dest)
		return nil, err
	}
	progress(80)

	currentBranch := golden.DefaultBranch
	if branch != "" && branch != golden.DefaultBranch {
		if _, err := m.switchBranchIn(ctx, dest, branch); err != nil {
			util.RemoveAll(dest)
			return nil, err
		}
		currentBranch = branch
	}
	progress(90)

	now := time.Now().UTC()
	md := &Metadata{
		UserAlias:       userAlias,
		GoldenRepoAlias: golden.Alias,
		CurrentBranch:   currentBranch,
		ActivatedAt:     now,
		LastAccessed:    now,
	}
	if err := m.writeMetadata(username, md); err != nil {
		util.RemoveAll(dest)
		return nil, fmt.Errorf("Failed to write metadata: %s", err)
	}
	return map[string]interface{}{
		"user_alias":     userAlias,
		"golden_alias":   golden.Alias,
		"current_branch": currentBranch,
	}, nil
}

// Deactivate removes the working tree and the sidecar metadata file in
// a background job. Success is independent of whether the directory
// held git state.
func (m *Manager) Deactivate(ctx context.Context, username, userAlias string) (string, error) {
	if !m.IsActivated(username, userAlias) {
		return "", apierr.New(apierr.NotFound, "Repository %q is not activated for user %q.", userAlias, username)
	}
	return m.engine.Submit(jobs.SubmitRequest{
		OperationType: "deactivate",
		Username:      username,
		RepoAlias:     userAlias,
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		if err := os.RemoveAll(m.RepoDir(username, userAlias)); err != nil {
			return nil, apierr.Wrap(err, apierr.Cleanup, "Failed to remove %s.", m.RepoDir(username, userAlias))
		}
		progress(50)
		if err := os.Remove(m.MetadataFile(username, userAlias)); err != nil && !os.IsNotExist(err) {
			return nil, apierr.Wrap(err, apierr.Cleanup, "Failed to remove metadata for %q.", userAlias)
		}
		return map[string]interface{}{"user_alias": userAlias}, nil
	})
}
