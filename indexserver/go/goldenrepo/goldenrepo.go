// Package goldenrepo manages the administrator-registered golden
// repositories which users activate working copies from.
package goldenrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	cp "github.com/otiai10/copy"

	"go.cidx.org/server/go/exec"
	"go.cidx.org/server/go/git"
	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/go/util"
	"go.cidx.org/server/indexserver/go/apierr"
	"go.cidx.org/server/indexserver/go/cidx"
	"go.cidx.org/server/indexserver/go/jobs"
	"go.cidx.org/server/indexserver/go/resources"
)

const (
	// MAX_GOLDEN_REPOS is the maximum number of registered golden
	// repositories.
	MAX_GOLDEN_REPOS = 20

	// MAX_REPO_SIZE_BYTES is the maximum size of a golden repository at
	// registration time.
	MAX_REPO_SIZE_BYTES = int64(1) << 30 // 1 GiB

	// CLONE_TIMEOUT bounds the clone of a remote repository.
	CLONE_TIMEOUT = 5 * time.Minute

	// LS_REMOTE_TIMEOUT bounds the reachability probe.
	LS_REMOTE_TIMEOUT = 30 * time.Second

	// METADATA_FILE is the name of the registry document under the
	// golden-repos root.
	METADATA_FILE = "metadata.json"

	// DEFAULT_SUBMITTER is recorded when the caller omits a username.
	DEFAULT_SUBMITTER = "admin"
)

var aliasRegexp = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateAlias checks an alias against the allowed grammar and
// explicitly rejects path-traversal characters.
func ValidateAlias(alias string) error {
	if alias == "" {
		return apierr.New(apierr.Validation, "Alias is required.")
	}
	if strings.Contains(alias, "..") || strings.Contains(alias, "/") || strings.Contains(alias, `\`) {
		return apierr.New(apierr.Validation, "Alias %q contains forbidden characters.", alias)
	}
	if !aliasRegexp.MatchString(alias) {
		return apierr.New(apierr.Validation, "Alias %q does not match %s.", alias, aliasRegexp.String())
	}
	return nil
}

// Repo is the registration record for one golden repository.
type Repo struct {
	Alias           string                 `json:"alias"`
	RepoURL         string                 `json:"repo_url"`
	DefaultBranch   string                 `json:"default_branch"`
	ClonePath       string                 `json:"clone_path"`
	CreatedAt       time.Time              `json:"created_at"`
	EnableTemporal  bool                   `json:"enable_temporal,omitempty"`
	TemporalOptions map[string]interface{} `json:"temporal_options,omitempty"`
}

// Copy returns a deep copy of the Repo.
func (r *Repo) Copy() *Repo {
	rv := new(Repo)
	*rv = *r
	if r.TemporalOptions != nil {
		rv.TemporalOptions = make(map[string]interface{}, len(r.TemporalOptions))
		for k, v := range r.TemporalOptions {
			rv.TemporalOptions[k] = v
		}
	}
	return rv
}

// CleanupHook is invoked before a golden repository is removed, to tear
// down auxiliary services attached to it. A non-nil error aborts the
// removal.
type CleanupHook func(ctx context.Context, alias string) error

// AddOptions carries the optional indexing knobs for registration.
type AddOptions struct {
	EnableTemporal  bool
	TemporalOptions map[string]interface{}
}

// Manager owns the golden-repos directory tree and its metadata
// document. All map access and metadata rewrites are serialized by a
// single lock.
type Manager struct {
	root        string
	engine      *jobs.Engine
	cidx        *cidx.Client
	cleanupHook CleanupHook

	mtx   sync.Mutex
	repos map[string]*Repo
}

// NewManager loads the registry from <root>/metadata.json, creating the
// directory as needed. cleanupHook may be nil.
func NewManager(root string, engine *jobs.Engine, cidxClient *cidx.Client, cleanupHook CleanupHook) (*Manager, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create golden-repos root: %s", err)
	}
	m := &Manager{
		root:        root,
		engine:      engine,
		cidx:        cidxClient,
		cleanupHook: cleanupHook,
		repos:       map[string]*Repo{},
	}
	metaFile := filepath.Join(root, METADATA_FILE)
	if _, err := os.Stat(metaFile); err == nil {
		if err := util.ReadJSONFile(metaFile, &m.repos); err != nil {
			return nil, fmt.Errorf("Failed to read golden repo metadata: %s", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("Failed to stat golden repo metadata: %s", err)
	}
	return m, nil
}

// writeMetadataLocked rewrites the metadata document. Callers must hold
// m.mtx.
func (m *Manager) writeMetadataLocked() error {
	return util.WriteJSONFile(filepath.Join(m.root, METADATA_FILE), m.repos)
}

// Get returns the registration record for the given alias.
func (m *Manager) Get(alias string) (*Repo, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	r, ok := m.repos[alias]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "Golden repository %q not found.", alias)
	}
	return r.Copy(), nil
}

// List returns all registration records.
func (m *Manager) List() []*Repo {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	rv := make([]*Repo, 0, len(m.repos))
	for _, r := range m.repos {
		rv = append(rv, r.Copy())
	}
	return rv
}

// Register adds an existing clone directly to the registry, skipping
// the probe/clone/index workflow. Used for repositories prepared out of
// band.
func (m *Manager) Register(repo *Repo) error {
	if err := ValidateAlias(repo.Alias); err != nil {
		return err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.repos[repo.Alias]; ok {
		return apierr.New(apierr.Conflict, "Golden repository %q already exists.", repo.Alias)
	}
	m.repos[repo.Alias] = repo.Copy()
	return m.writeMetadataLocked()
}

func submitterOrDefault(submitter string) string {
	if submitter == "" {
		return DEFAULT_SUBMITTER
	}
	return submitter
}

// Add registers a new golden repository. Alias grammar and the count
// quota are enforced synchronously; everything else (probe, clone, size
// check, indexing workflow) runs in a background job whose id is
// returned.
func (m *Manager) Add(ctx context.Context, repoURL, alias, defaultBranch, submitter string, opts AddOptions) (string, error) {
	if err := ValidateAlias(alias); err != nil {
		return "", err
	}
	if repoURL == "" {
		return "", apierr.New(apierr.Validation, "Repository URL is required.")
	}
	if defaultBranch == "" {
		defaultBranch = "master"
	}
	m.mtx.Lock()
	count := len(m.repos)
	m.mtx.Unlock()
	if count >= MAX_GOLDEN_REPOS {
		return "", apierr.New(apierr.Conflict, "Golden repository limit of %d reached.", MAX_GOLDEN_REPOS)
	}
	submitter = submitterOrDefault(submitter)
	return m.engine.Submit(jobs.SubmitRequest{
		OperationType: "add_golden",
		Username:      submitter,
		IsAdmin:       true,
		RepoAlias:     alias,
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		return m.addJob(ctx, repoURL, alias, defaultBranch, opts, progress)
	})
}

func (m *Manager) addJob(ctx context.Context, repoURL, alias, defaultBranch string, opts AddOptions, progress func(int)) (map[string]interface{}, error) {
	m.mtx.Lock()
	_, exists := m.repos[alias]
	m.mtx.Unlock()
	if exists {
		return nil, apierr.New(apierr.Conflict, "Golden repository %q already exists.", alias)
	}

	clonePath := filepath.Join(m.root, alias)
	scope := resources.NewScope("add_golden:" + alias)
	defer func() {
		if err := scope.Close(); err != nil {
			sklog.Errorf("Cleanup after add_golden %q: %s", alias, err)
		}
	}()

	if err := m.probe(ctx, repoURL); err != nil {
		return nil, err
	}
	progress(10)

	if err := m.clone(ctx, repoURL, clonePath, defaultBranch); err != nil {
		scope.TrackTempPath(clonePath)
		return nil, err
	}
	progress(30)

	size, err := dirSize(clonePath)
	if err != nil {
		scope.TrackTempPath(clonePath)
		return nil, fmt.Errorf("Failed to measure repository size: %s", err)
	}
	if size > MAX_REPO_SIZE_BYTES {
		scope.TrackTempPath(clonePath)
		return nil, apierr.New(apierr.Conflict, "Repository is %s which exceeds the limit of %s.",
			humanize.Bytes(uint64(size)), humanize.Bytes(uint64(MAX_REPO_SIZE_BYTES)))
	}
	progress(40)

	if err := m.cidx.RunWorkflow(ctx, clonePath, false, func(p int) {
		// Scale workflow progress into the 40-95 band.
		progress(40 + p*55/100)
	}); err != nil {
		scope.TrackTempPath(clonePath)
		return nil, err
	}

	repo := &Repo{
		Alias:           alias,
		RepoURL:         repoURL,
		DefaultBranch:   defaultBranch,
		ClonePath:       clonePath,
		CreatedAt:       time.Now().UTC(),
		EnableTemporal:  opts.EnableTemporal,
		TemporalOptions: opts.TemporalOptions,
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, exists := m.repos[alias]; exists {
		scope.TrackTempPath(clonePath)
		return nil, apierr.New(apierr.Conflict, "Golden repository %q already exists.", alias)
	}
	m.repos[alias] = repo
	if err := m.writeMetadataLocked(); err != nil {
		delete(m.repos, alias)
		scope.TrackTempPath(clonePath)
		return nil, fmt.Errorf("Failed to persist golden repo metadata: %s", err)
	}
	return map[string]interface{}{
		"alias":      alias,
		"clone_path": clonePath,
		"size_bytes": size,
	}, nil
}

// probe verifies that the repository URL is reachable via git
// ls-remote, retrying transient failures with constant backoff.
func (m *Manager) probe(ctx context.Context, repoURL string) error {
	try := func() error {
		_, err := exec.RunCommand(ctx, &exec.Command{
			Name:    "git",
			Args:    []string{"ls-remote", repoURL, "HEAD"},
			Timeout: LS_REMOTE_TIMEOUT,
		})
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 2)
	if err := backoff.Retry(try, backoff.WithContext(b, ctx)); err != nil {
		return apierr.Wrap(err, apierr.GitOperation, "Repository %q is not reachable.", repoURL)
	}
	return nil
}

// clone materializes the repository at dest. Remote URLs are
// shallow-cloned; local paths are always copied recursively, never
// reflinked, to avoid cross-device failures.
func (m *Manager) clone(ctx context.Context, repoURL, dest, defaultBranch string) error {
	if git.IsLocalURL(repoURL) {
		src := strings.TrimPrefix(repoURL, "file://")
		if err := cp.Copy(src, dest); err != nil {
			return fmt.Errorf("Failed to copy local repository %s: %s", src, err)
		}
		return nil
	}
	out, err := exec.RunCommand(ctx, &exec.Command{
		Name:    "git",
		Args:    []string{"clone", "--depth", "1", "--branch", defaultBranch, repoURL, dest},
		Timeout: CLONE_TIMEOUT,
	})
	if err != nil {
		return apierr.Wrap(err, apierr.GitOperation, "Failed to clone %s: %s", repoURL, util.Truncate(out, 500))
	}
	return nil
}

// Refresh updates the working tree of a golden repository and re-runs
// the indexing workflow.
func (m *Manager) Refresh(ctx context.Context, alias, submitter string) (string, error) {
	repo, err := m.Get(alias)
	if err != nil {
		return "", err
	}
	submitter = submitterOrDefault(submitter)
	return m.engine.Submit(jobs.SubmitRequest{
		OperationType: "refresh_golden",
		Username:      submitter,
		IsAdmin:       true,
		RepoAlias:     alias,
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		pulled := false
		if !git.IsLocalURL(repo.RepoURL) {
			g := git.GitDir(repo.ClonePath)
			if out, err := g.GitWithTimeout(ctx, CLONE_TIMEOUT, "pull", "origin", repo.DefaultBranch); err != nil {
				return nil, apierr.Wrap(err, apierr.GitOperation, "Failed to pull %s: %s", alias, util.Truncate(out, 500))
			}
			pulled = true
		}
		progress(20)
		if err := m.cidx.RunWorkflow(ctx, repo.ClonePath, true, func(p int) {
			progress(20 + p*75/100)
		}); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"alias":  alias,
			"pulled": pulled,
		}, nil
	})
}

// Reindex re-runs the indexing workflow without pulling.
func (m *Manager) Reindex(ctx context.Context, alias, submitter string) (string, error) {
	repo, err := m.Get(alias)
	if err != nil {
		return "", err
	}
	submitter = submitterOrDefault(submitter)
	return m.engine.Submit(jobs.SubmitRequest{
		OperationType: "reindex",
		Username:      submitter,
		IsAdmin:       true,
		RepoAlias:     alias,
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		if err := m.cidx.RunWorkflow(ctx, repo.ClonePath, true, progress); err != nil {
			return nil, err
		}
		return map[string]interface{}{"alias": alias}, nil
	})
}

// Remove unregisters a golden repository and deletes its clone. The
// orchestrated cleanup of auxiliary services must succeed; a cleanup
// failure fails the job and leaves both the record and the directory in
// place.
func (m *Manager) Remove(ctx context.Context, alias, submitter string) (string, error) {
	repo, err := m.Get(alias)
	if err != nil {
		return "", err
	}
	submitter = submitterOrDefault(submitter)
	return m.engine.Submit(jobs.SubmitRequest{
		OperationType: "remove_golden",
		Username:      submitter,
		IsAdmin:       true,
		RepoAlias:     alias,
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		if m.cleanupHook != nil {
			if err := m.cleanupHook(ctx, alias); err != nil {
				return nil, apierr.Wrap(err, apierr.Cleanup, "Cleanup of auxiliary services for %q failed.", alias)
			}
		}
		progress(40)
		if err := os.RemoveAll(repo.ClonePath); err != nil {
			return nil, apierr.Wrap(err, apierr.Cleanup, "Failed to delete %s.", repo.ClonePath)
		}
		progress(80)
		m.mtx.Lock()
		defer m.mtx.Unlock()
		delete(m.repos, alias)
		if err := m.writeMetadataLocked(); err != nil {
			return nil, fmt.Errorf("Failed to persist golden repo metadata: %s", err)
		}
		return map[string]interface{}{"alias": alias}, nil
	})
}

// dirSize returns the total size in bytes of all regular files under
// the given path.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
