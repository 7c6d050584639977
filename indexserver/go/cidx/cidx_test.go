package cidx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	assert "github.com/stretchr/testify/require"

	"go.cidx.org/server/go/exec"
)

// fakeCidx returns a context whose exec layer records each cidx
// invocation and replies using the given function.
func fakeCidx(reply func(args []string) (string, error)) (context.Context, *[]string) {
	var mtx sync.Mutex
	calls := []string{}
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		mtx.Lock()
		calls = append(calls, strings.Join(cmd.Args, " "))
		mtx.Unlock()
		out, err := reply(cmd.Args)
		if cmd.CombinedOutput != nil {
			_, _ = cmd.CombinedOutput.Write([]byte(out))
		}
		return err
	})
	return ctx, &calls
}

func TestIndexToleratesNoFilesSentinel(t *testing.T) {
	ctx, _ := fakeCidx(func(args []string) (string, error) {
		return "Nothing to do: " + NO_FILES_SENTINEL + "\n", errors.New("exit status 1")
	})
	c := New("test")
	assert.NoError(t, c.Index(ctx, "/repo"))
}

func TestIndexFailsWithoutSentinel(t *testing.T) {
	ctx, _ := fakeCidx(func(args []string) (string, error) {
		return "embedding provider unreachable\n", errors.New("exit status 1")
	})
	c := New("test")
	err := c.Index(ctx, "/repo")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "embedding provider unreachable")
}

func TestInitArgs(t *testing.T) {
	ctx, calls := fakeCidx(func(args []string) (string, error) {
		return "", nil
	})
	c := New("voyage")
	assert.NoError(t, c.Init(ctx, "/repo", false))
	assert.NoError(t, c.Init(ctx, "/repo", true))
	assert.Equal(t, []string{
		"init --embedding-provider voyage",
		"init --force --embedding-provider voyage",
	}, *calls)
}

func TestRunWorkflowOrder(t *testing.T) {
	ctx, calls := fakeCidx(func(args []string) (string, error) {
		return "", nil
	})
	c := New("test")

	progress := []int{}
	assert.NoError(t, c.RunWorkflow(ctx, "/repo", true, func(p int) {
		progress = append(progress, p)
	}))

	assert.Equal(t, []string{
		"init --force --embedding-provider test",
		"start",
		"status",
		"index",
		"stop",
	}, *calls)
	assert.Equal(t, []int{10, 30, 40, 90}, progress)
}

func TestRunWorkflowStopsOnFailure(t *testing.T) {
	ctx, calls := fakeCidx(func(args []string) (string, error) {
		if args[0] == "start" {
			return "docker daemon not running\n", errors.New("exit status 1")
		}
		return "", nil
	})
	c := New("test")
	err := c.RunWorkflow(ctx, "/repo", false, nil)
	assert.Error(t, err)
	// Nothing past the failing step ran.
	assert.Equal(t, []string{
		"init --embedding-provider test",
		"start",
	}, *calls)
}
