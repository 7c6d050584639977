// Package listing composes read-only views over golden repositories,
// activated repositories, and the job engine: detail records, branch
// lists, disk usage, and job statistics.
package listing

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.cidx.org/server/go/git"
	"go.cidx.org/server/go/sklog"
	"go.cidx.org/server/indexserver/go/activatedrepo"
	"go.cidx.org/server/indexserver/go/goldenrepo"
	"go.cidx.org/server/indexserver/go/jobs"
)

// Views serves the read-only API surface.
type Views struct {
	golden    *goldenrepo.Manager
	activated *activatedrepo.Manager
	engine    *jobs.Engine
}

// New returns Views over the given managers.
func New(golden *goldenrepo.Manager, activated *activatedrepo.Manager, engine *jobs.Engine) *Views {
	return &Views{
		golden:    golden,
		activated: activated,
		engine:    engine,
	}
}

// GoldenSummary is one row of the golden repository list.
type GoldenSummary struct {
	Alias         string    `json:"alias"`
	RepoURL       string    `json:"repo_url"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListGolden returns a summary row per registered golden repository.
func (v *Views) ListGolden() []*GoldenSummary {
	repos := v.golden.List()
	rv := make([]*GoldenSummary, 0, len(repos))
	for _, r := range repos {
		rv = append(rv, &GoldenSummary{
			Alias:         r.Alias,
			RepoURL:       r.RepoURL,
			DefaultBranch: r.DefaultBranch,
			CreatedAt:     r.CreatedAt,
		})
	}
	return rv
}

// GoldenDetail is the full view of one golden repository, including
// live git state.
type GoldenDetail struct {
	*goldenrepo.Repo
	Branches      []string `json:"branches"`
	CurrentBranch string   `json:"current_branch"`
	DiskUsage     int64    `json:"disk_usage_bytes"`
	CommitCount   int64    `json:"commit_count"`
}

// GetGolden returns the detail view for one golden repository. Git
// queries are best effort; a repository mid-refresh still gets a
// record.
func (v *Views) GetGolden(ctx context.Context, alias string) (*GoldenDetail, error) {
	repo, err := v.golden.Get(alias)
	if err != nil {
		return nil, err
	}
	rv := &GoldenDetail{
		Repo:     repo,
		Branches: []string{},
	}
	d := git.GitDir(repo.ClonePath)
	if branches, err := d.Branches(ctx); err == nil {
		for _, b := range branches {
			rv.Branches = append(rv.Branches, b.Name)
		}
	} else {
		sklog.Warningf("Failed to list branches of %s: %s", alias, err)
	}
	if current, err := d.CurrentBranch(ctx); err == nil {
		rv.CurrentBranch = current
	}
	if n, err := d.NumCommits(ctx); err == nil {
		rv.CommitCount = n
	}
	rv.DiskUsage = diskUsage(repo.ClonePath)
	return rv, nil
}

// ActivatedSummary is one row of a user's activated repository list.
type ActivatedSummary struct {
	*activatedrepo.Metadata
	DiskUsage int64 `json:"disk_usage_bytes"`
}

// ListActivated returns the user's activations with their disk
// footprints.
func (v *Views) ListActivated(username string) ([]*ActivatedSummary, error) {
	mds, err := v.activated.List(username)
	if err != nil {
		return nil, err
	}
	rv := make([]*ActivatedSummary, 0, len(mds))
	for _, md := range mds {
		rv = append(rv, &ActivatedSummary{
			Metadata:  md,
			DiskUsage: diskUsage(v.activated.RepoDir(username, md.UserAlias)),
		})
	}
	return rv, nil
}

// JobStats aggregates the job table for dashboards.
type JobStats struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByOperation map[string]int `json:"by_operation"`
}

// Stats returns job counts grouped by status and by operation type for
// the given user (all users when admin).
func (v *Views) Stats(username string, isAdmin bool) (*JobStats, error) {
	var js []*jobs.Job
	if isAdmin {
		js = v.engine.ListAll("")
	} else {
		var err error
		js, err = v.engine.List(username, "", 0, 0)
		if err != nil {
			return nil, err
		}
	}
	rv := &JobStats{
		ByStatus:    map[string]int{},
		ByOperation: map[string]int{},
	}
	for _, j := range js {
		rv.Total++
		rv.ByStatus[string(j.Status)]++
		rv.ByOperation[j.OperationType]++
	}
	return rv, nil
}

// diskUsage sums file sizes under path; zero on any error.
func diskUsage(path string) int64 {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0
	}
	return total
}
