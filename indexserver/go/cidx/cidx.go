// Package cidx wraps the external cidx indexing CLI. The tool is
// opaque to the server; this package only knows its subcommands, their
// deadlines, and the one tolerated failure mode of the index step.
package cidx

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.cidx.org/server/go/exec"
	"go.cidx.org/server/go/sklog"
)

const (
	// STEP_TIMEOUT bounds each cidx subcommand.
	STEP_TIMEOUT = 5 * time.Minute

	// NO_FILES_SENTINEL in the combined output of the index step means
	// a nonzero exit is tolerated.
	NO_FILES_SENTINEL = "No files found to index"
)

// Client invokes cidx in a given repository directory.
type Client struct {
	// Binary is the cidx executable name or path.
	Binary string
	// EmbeddingProvider is passed to "cidx init".
	EmbeddingProvider string
}

// New returns a Client using the given embedding provider.
func New(embeddingProvider string) *Client {
	return &Client{
		Binary:            "cidx",
		EmbeddingProvider: embeddingProvider,
	}
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	return exec.RunCommand(ctx, &exec.Command{
		Name:    c.Binary,
		Args:    args,
		Dir:     dir,
		Timeout: STEP_TIMEOUT,
	})
}

// Init initializes the index configuration in dir. force is used on
// refresh to overwrite an existing configuration.
func (c *Client) Init(ctx context.Context, dir string, force bool) error {
	args := []string{"init"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, "--embedding-provider", c.EmbeddingProvider)
	if out, err := c.run(ctx, dir, args...); err != nil {
		return fmt.Errorf("cidx init failed: %s (%s)", strings.TrimSpace(out), err)
	}
	return nil
}

// Start starts the indexing services for dir.
func (c *Client) Start(ctx context.Context, dir string) error {
	if out, err := c.run(ctx, dir, "start"); err != nil {
		return fmt.Errorf("cidx start failed: %s (%s)", strings.TrimSpace(out), err)
	}
	return nil
}

// Status queries the indexing services for dir.
func (c *Client) Status(ctx context.Context, dir string) error {
	if out, err := c.run(ctx, dir, "status"); err != nil {
		return fmt.Errorf("cidx status failed: %s (%s)", strings.TrimSpace(out), err)
	}
	return nil
}

// Index runs the indexing step. A nonzero exit is tolerated only when
// the combined output contains NO_FILES_SENTINEL.
func (c *Client) Index(ctx context.Context, dir string) error {
	out, err := c.run(ctx, dir, "index")
	if err != nil {
		if strings.Contains(out, NO_FILES_SENTINEL) {
			sklog.Infof("cidx index found no files to index in %s; treating as success.", dir)
			return nil
		}
		return fmt.Errorf("cidx index failed: %s (%s)", strings.TrimSpace(out), err)
	}
	return nil
}

// Stop stops the indexing services for dir.
func (c *Client) Stop(ctx context.Context, dir string) error {
	if out, err := c.run(ctx, dir, "stop"); err != nil {
		return fmt.Errorf("cidx stop failed: %s (%s)", strings.TrimSpace(out), err)
	}
	return nil
}

// FixConfig rewrites internal paths in the copied .code-indexer
// configuration after a repository has been cloned to a new location.
func (c *Client) FixConfig(ctx context.Context, dir string) error {
	if out, err := c.run(ctx, dir, "fix-config", "--force"); err != nil {
		return fmt.Errorf("cidx fix-config failed: %s (%s)", strings.TrimSpace(out), err)
	}
	return nil
}

// RunWorkflow runs the ordered post-clone workflow: init, start,
// status, index, stop. Each step reports coarse progress via the given
// callback, which may be nil.
func (c *Client) RunWorkflow(ctx context.Context, dir string, initForce bool, progress func(int)) error {
	report := func(p int) {
		if progress != nil {
			progress(p)
		}
	}
	if err := c.Init(ctx, dir, initForce); err != nil {
		return err
	}
	report(10)
	if err := c.Start(ctx, dir); err != nil {
		return err
	}
	report(30)
	if err := c.Status(ctx, dir); err != nil {
		return err
	}
	report(40)
	if err := c.Index(ctx, dir); err != nil {
		return err
	}
	report(90)
	if err := c.Stop(ctx, dir); err != nil {
		return err
	}
	return nil
}
