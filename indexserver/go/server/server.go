// Package server is the composition root of the index server: it
// builds the job engine and every manager on top of a single data
// directory and owns their shutdown order.
package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.cidx.org/server/go/cleanup"
	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/indexserver/go/activatedrepo"
	"go.cidx.org/server/indexserver/go/apierr"
	"go.cidx.org/server/indexserver/go/cidx"
	"go.cidx.org/server/indexserver/go/filecrud"
	"go.cidx.org/server/indexserver/go/gitops"
	"go.cidx.org/server/indexserver/go/goldenrepo"
	"go.cidx.org/server/indexserver/go/jobs"
	"go.cidx.org/server/indexserver/go/jobs/jsondb"
	"go.cidx.org/server/indexserver/go/jobs/sqldb"
	"go.cidx.org/server/indexserver/go/listing"
)

const (
	// JOB_PRUNE_AGE is how long terminal jobs are retained;
	// JOB_PRUNE_FREQUENCY is how often the pruner runs.
	JOB_PRUNE_AGE       = 7 * 24 * time.Hour
	JOB_PRUNE_FREQUENCY = time.Hour
)

// Config selects the data directory, job persistence backend, and
// service identity.
type Config struct {
	// DataDir is the root under which golden-repos/, activated-repos/,
	// and the JSON job DB live.
	DataDir string
	// JobDBURL selects the SQL job store when nonempty; otherwise jobs
	// persist to a JSON document under DataDir.
	JobDBURL string
	// NumWorkers sizes the job engine's worker pool; zero means the
	// engine default.
	NumWorkers int
	// EmbeddingProvider is passed through to cidx init.
	EmbeddingProvider string
	// CommitterName and CommitterEmail are the service identity on
	// dual-attribution commits.
	CommitterName  string
	CommitterEmail string
}

// Server wires the managers together over one data directory.
type Server struct {
	Jobs      *jobs.Engine
	Golden    *goldenrepo.Manager
	Activated *activatedrepo.Manager
	GitOps    *gitops.Service
	Views     *listing.Views

	maintenance atomic.Bool
}

// New builds a Server from the given config, recovering orphaned jobs
// from the persistence backend and starting the worker pool and the
// job pruner.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required.")
	}
	var store jobs.Store
	var err error
	if cfg.JobDBURL != "" {
		store, err = sqldb.New(ctx, cfg.JobDBURL)
	} else {
		store, err = jsondb.New(filepath.Join(cfg.DataDir, "jobs.json"))
	}
	if err != nil {
		return nil, err
	}
	engine, err := jobs.NewEngine(store, cfg.NumWorkers)
	if err != nil {
		return nil, err
	}

	cidxClient := cidx.New(cfg.EmbeddingProvider)

	srv := &Server{Jobs: engine}

	golden, err := goldenrepo.NewManager(filepath.Join(cfg.DataDir, "golden-repos"), engine, cidxClient, srv.goldenCleanupHook)
	if err != nil {
		return nil, err
	}
	activated, err := activatedrepo.NewManager(filepath.Join(cfg.DataDir, "activated-repos"), engine, golden, cidxClient)
	if err != nil {
		return nil, err
	}
	srv.Golden = golden
	srv.Activated = activated
	srv.GitOps = gitops.New(activated, gitops.Config{
		CommitterName:  cfg.CommitterName,
		CommitterEmail: cfg.CommitterEmail,
	})
	srv.Views = listing.New(golden, activated, engine)

	cleanup.Repeat(JOB_PRUNE_FREQUENCY, func() {
		if n, err := engine.Prune(JOB_PRUNE_AGE); err != nil {
			sklog.Errorf("Job pruning failed: %s", err)
		} else if n > 0 {
			sklog.Infof("Pruned %d old jobs.", n)
		}
	}, nil)

	return srv, nil
}

// goldenCleanupHook blocks removal of a golden repository while any
// user still has an activation of it.
func (s *Server) goldenCleanupHook(ctx context.Context, alias string) error {
	if s.Activated == nil {
		return nil
	}
	users, err := s.Activated.UsersOf(alias)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return apierr.New(apierr.Conflict, "Golden repository %q is still activated by %d user(s).", alias, len(users))
	}
	return nil
}

// SetMaintenance toggles maintenance mode. While set, mutating
// operations are rejected before they reach the managers.
func (s *Server) SetMaintenance(on bool) {
	s.maintenance.Store(on)
	if on {
		sklog.Warning("Entering maintenance mode.")
	} else {
		sklog.Info("Leaving maintenance mode.")
	}
}

// Writable returns an error while the server is in maintenance mode.
func (s *Server) Writable() error {
	if s.maintenance.Load() {
		return apierr.New(apierr.Maintenance, "The server is in maintenance mode; try again later.")
	}
	return nil
}

// ReadFile exposes the hash-locked file read on an activated repo.
func (s *Server) ReadFile(username, alias, path string) ([]byte, *filecrud.FileInfo, error) {
	md, err := s.Activated.Get(username, alias)
	if err != nil {
		return nil, nil, err
	}
	s.Activated.Touch(username, md.UserAlias)
	return filecrud.Read(s.Activated.RepoDir(username, alias), path)
}

// CreateFile exposes the hash-locked file create.
func (s *Server) CreateFile(username, alias, path string, content []byte) (*filecrud.CreateResult, error) {
	if err := s.Writable(); err != nil {
		return nil, err
	}
	if _, err := s.Activated.Get(username, alias); err != nil {
		return nil, err
	}
	s.Activated.Touch(username, alias)
	return filecrud.Create(s.Activated.RepoDir(username, alias), path, content)
}

// EditFile exposes the hash-locked file edit.
func (s *Server) EditFile(username, alias, path, expectedHash, oldStr, newStr string, replaceAll bool) (*filecrud.EditResult, error) {
	if err := s.Writable(); err != nil {
		return nil, err
	}
	if _, err := s.Activated.Get(username, alias); err != nil {
		return nil, err
	}
	s.Activated.Touch(username, alias)
	return filecrud.Edit(s.Activated.RepoDir(username, alias), path, expectedHash, oldStr, newStr, replaceAll)
}

// DeleteFile exposes the file delete; the expected hash is optional.
func (s *Server) DeleteFile(username, alias, path, expectedHash string) (*filecrud.DeleteResult, error) {
	if err := s.Writable(); err != nil {
		return nil, err
	}
	if _, err := s.Activated.Get(username, alias); err != nil {
		return nil, err
	}
	s.Activated.Touch(username, alias)
	return filecrud.Delete(s.Activated.RepoDir(username, alias), path, expectedHash)
}

// Shutdown drains the job engine and runs the registered cleanup
// hooks.
func (s *Server) Shutdown() {
	s.Jobs.Shutdown()
	cleanup.Cleanup()
	sklog.Flush()
}
