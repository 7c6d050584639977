package jobs

import (
	"sort"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

func TestJobCopy(t *testing.T) {
	started := time.Now().UTC()
	j := &Job{
		Id:            "abc",
		OperationType: "add_golden",
		Status:        STATUS_RUNNING,
		Created:       started.Add(-time.Minute),
		Started:       &started,
		Progress:      40,
		Result:        map[string]interface{}{"k": "v"},
		Username:      "alice",
		RepoAlias:     "hello",
		ClaudeActions: []string{"resolved python"},
	}
	c := j.Copy()
	assert.Equal(t, j, c)

	c.Result["k"] = "changed"
	c.ClaudeActions[0] = "changed"
	*c.Started = c.Started.Add(time.Hour)
	assert.Equal(t, "v", j.Result["k"])
	assert.Equal(t, "resolved python", j.ClaudeActions[0])
	assert.Equal(t, started, *j.Started)
}

func TestJobValidate(t *testing.T) {
	now := time.Now().UTC()
	good := func() *Job {
		return &Job{
			Id:        "abc",
			Username:  "alice",
			Status:    STATUS_COMPLETED,
			Created:   now,
			Completed: &now,
			Progress:  100,
		}
	}
	assert.NoError(t, good().Validate())

	j := good()
	j.Id = ""
	assert.Error(t, j.Validate())

	j = good()
	j.Username = ""
	assert.Error(t, j.Validate())

	j = good()
	j.Status = "bogus"
	assert.Error(t, j.Validate())

	// Terminal without a completion timestamp.
	j = good()
	j.Completed = nil
	assert.Error(t, j.Validate())

	j = good()
	j.Progress = 101
	assert.Error(t, j.Validate())

	// Progress 100 is reserved for completed jobs.
	j = good()
	j.Status = STATUS_FAILED
	assert.Error(t, j.Validate())

	j = good()
	j.Status = STATUS_RUNNING
	j.Completed = nil
	j.Progress = 99
	assert.NoError(t, j.Validate())
}

func TestJobSliceOrder(t *testing.T) {
	now := time.Now().UTC()
	js := JobSlice{
		{Id: "older", Created: now.Add(-2 * time.Hour)},
		{Id: "newest", Created: now},
		{Id: "middle", Created: now.Add(-time.Hour)},
	}
	sort.Sort(js)
	assert.Equal(t, "newest", js[0].Id)
	assert.Equal(t, "middle", js[1].Id)
	assert.Equal(t, "older", js[2].Id)
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, STATUS_COMPLETED.IsTerminal())
	assert.True(t, STATUS_FAILED.IsTerminal())
	assert.True(t, STATUS_CANCELLED.IsTerminal())
	assert.False(t, STATUS_PENDING.IsTerminal())
	assert.False(t, STATUS_RUNNING.IsTerminal())
	assert.False(t, STATUS_RESOLVING_PREREQUISITES.IsTerminal())
}
