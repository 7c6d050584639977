package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mtx  sync.Mutex
	docs map[string]*Job
}

func newMemStore() *memStore {
	return &memStore{docs: map[string]*Job{}}
}

func (s *memStore) Load() (map[string]*Job, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rv := make(map[string]*Job, len(s.docs))
	for id, j := range s.docs {
		rv[id] = j.Copy()
	}
	return rv, nil
}

func (s *memStore) Put(j *Job) error {
	return s.PutAll([]*Job{j})
}

func (s *memStore) PutAll(js []*Job) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, j := range js {
		s.docs[j.Id] = j.Copy()
	}
	return nil
}

func (s *memStore) Delete(ids []string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, id := range ids {
		delete(s.docs, id)
	}
	return nil
}

func (s *memStore) Close() error {
	return nil
}

func waitTerminal(t *testing.T, e *Engine, id, user string) *Job {
	var rv *Job
	assert.Eventually(t, func() bool {
		j, err := e.Status(id, user)
		if err != nil {
			return false
		}
		rv = j
		return j.Status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return rv
}

func TestSubmitAndComplete(t *testing.T) {
	e, err := NewEngine(newMemStore(), 1)
	assert.NoError(t, err)
	defer e.Shutdown()

	id, err := e.Submit(SubmitRequest{
		OperationType: "add_golden",
		Username:      "alice",
		RepoAlias:     "hello",
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		progress(50)
		// Values above the cap must never surface before completion.
		progress(150)
		return map[string]interface{}{"alias": "hello"}, nil
	})
	assert.NoError(t, err)

	j := waitTerminal(t, e, id, "alice")
	assert.Equal(t, STATUS_COMPLETED, j.Status)
	assert.Equal(t, 100, j.Progress)
	assert.Equal(t, "hello", j.Result["alias"])
	assert.NotNil(t, j.Started)
	assert.NotNil(t, j.Completed)
}

func TestProgressCappedWhileRunning(t *testing.T) {
	e, err := NewEngine(newMemStore(), 1)
	assert.NoError(t, err)
	defer e.Shutdown()

	reported := make(chan struct{})
	release := make(chan struct{})
	id, err := e.Submit(SubmitRequest{
		OperationType: "refresh",
		Username:      "alice",
		RepoAlias:     "hello",
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		progress(100)
		close(reported)
		<-release
		return nil, nil
	})
	assert.NoError(t, err)

	<-reported
	j, err := e.Status(id, "alice")
	assert.NoError(t, err)
	assert.True(t, j.Progress <= 99, "progress %d while running", j.Progress)
	close(release)

	j = waitTerminal(t, e, id, "alice")
	assert.Equal(t, STATUS_COMPLETED, j.Status)
	assert.Equal(t, 100, j.Progress)
}

func TestJobFailure(t *testing.T) {
	e, err := NewEngine(newMemStore(), 1)
	assert.NoError(t, err)
	defer e.Shutdown()

	id, err := e.Submit(SubmitRequest{
		OperationType: "add_golden",
		Username:      "alice",
		RepoAlias:     "dup",
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		return nil, context.DeadlineExceeded
	})
	assert.NoError(t, err)

	j := waitTerminal(t, e, id, "alice")
	assert.Equal(t, STATUS_FAILED, j.Status)
	assert.NotEmpty(t, j.Error)
	assert.True(t, j.Progress < 100)
}

func TestCancelPendingJob(t *testing.T) {
	e, err := NewEngine(newMemStore(), 1)
	assert.NoError(t, err)
	defer e.Shutdown()

	release := make(chan struct{})
	blocking, err := e.Submit(SubmitRequest{
		OperationType: "refresh",
		Username:      "alice",
		RepoAlias:     "a",
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		<-release
		return nil, nil
	})
	assert.NoError(t, err)

	// The single worker is busy, so this one stays pending.
	pending, err := e.Submit(SubmitRequest{
		OperationType: "refresh",
		Username:      "alice",
		RepoAlias:     "b",
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		return nil, nil
	})
	assert.NoError(t, err)

	assert.NoError(t, e.Cancel(pending, "alice"))
	j, err := e.Status(pending, "alice")
	assert.NoError(t, err)
	assert.Equal(t, STATUS_CANCELLED, j.Status)
	assert.NotNil(t, j.Completed)

	close(release)
	waitTerminal(t, e, blocking, "alice")
}

func TestCancelRunningJob(t *testing.T) {
	e, err := NewEngine(newMemStore(), 1)
	assert.NoError(t, err)
	defer e.Shutdown()

	started := make(chan struct{})
	id, err := e.Submit(SubmitRequest{
		OperationType: "activate",
		Username:      "alice",
		RepoAlias:     "a",
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.NoError(t, err)

	<-started
	assert.NoError(t, e.Cancel(id, "alice"))
	j := waitTerminal(t, e, id, "alice")
	assert.Equal(t, STATUS_CANCELLED, j.Status)
}

func TestOwnerIsolation(t *testing.T) {
	e, err := NewEngine(newMemStore(), 1)
	assert.NoError(t, err)
	defer e.Shutdown()

	id, err := e.Submit(SubmitRequest{
		OperationType: "activate",
		Username:      "alice",
		RepoAlias:     "a",
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		return nil, nil
	})
	assert.NoError(t, err)
	waitTerminal(t, e, id, "alice")

	_, err = e.Status(id, "mallory")
	assert.Error(t, err)
	assert.Error(t, e.Cancel(id, "mallory"))

	js, err := e.List("mallory", "", 0, 0)
	assert.NoError(t, err)
	assert.Empty(t, js)

	js, err = e.List("alice", "", 0, 0)
	assert.NoError(t, err)
	assert.Len(t, js, 1)
}

func TestAdminJobsRunFirst(t *testing.T) {
	e, err := NewEngine(newMemStore(), 1)
	assert.NoError(t, err)
	defer e.Shutdown()

	release := make(chan struct{})
	blocking, err := e.Submit(SubmitRequest{
		OperationType: "refresh",
		Username:      "alice",
		RepoAlias:     "a",
	}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
		<-release
		return nil, nil
	})
	assert.NoError(t, err)

	var mtx sync.Mutex
	order := []string{}
	record := func(name string) Body {
		return func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
			mtx.Lock()
			order = append(order, name)
			mtx.Unlock()
			return nil, nil
		}
	}

	userJob, err := e.Submit(SubmitRequest{
		OperationType: "activate",
		Username:      "bob",
		RepoAlias:     "b",
	}, record("user"))
	assert.NoError(t, err)
	adminJob, err := e.Submit(SubmitRequest{
		OperationType: "remove_golden",
		Username:      "root",
		IsAdmin:       true,
		RepoAlias:     "c",
	}, record("admin"))
	assert.NoError(t, err)

	close(release)
	waitTerminal(t, e, blocking, "alice")
	waitTerminal(t, e, userJob, "bob")
	waitTerminal(t, e, adminJob, "root")

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, []string{"admin", "user"}, order)
}

func TestOrphanRecovery(t *testing.T) {
	store := newMemStore()
	started := time.Now().UTC().Add(-time.Hour)
	assert.NoError(t, store.PutAll([]*Job{
		{
			Id:            "orphan-running",
			OperationType: "add_golden",
			Status:        STATUS_RUNNING,
			Created:       started,
			Started:       &started,
			Username:      "alice",
			RepoAlias:     "a",
			Progress:      40,
		},
		{
			Id:            "orphan-pending",
			OperationType: "refresh",
			Status:        STATUS_PENDING,
			Created:       started,
			Username:      "alice",
			RepoAlias:     "b",
		},
	}))

	e, err := NewEngine(store, 1)
	assert.NoError(t, err)
	defer e.Shutdown()

	for _, id := range []string{"orphan-running", "orphan-pending"} {
		j, err := e.Status(id, "alice")
		assert.NoError(t, err)
		assert.Equal(t, STATUS_FAILED, j.Status)
		assert.Equal(t, ORPHAN_FAILURE_REASON, j.Error)
		assert.NotNil(t, j.Completed)
	}

	// The rewrite must also be persisted.
	persisted, err := store.Load()
	assert.NoError(t, err)
	assert.Equal(t, STATUS_FAILED, persisted["orphan-running"].Status)
}

func TestPrune(t *testing.T) {
	store := newMemStore()
	old := time.Now().UTC().Add(-48 * time.Hour)
	completed := old.Add(time.Minute)
	assert.NoError(t, store.Put(&Job{
		Id:            "old-done",
		OperationType: "add_golden",
		Status:        STATUS_COMPLETED,
		Created:       old,
		Completed:     &completed,
		Progress:      100,
		Username:      "alice",
		RepoAlias:     "a",
	}))

	e, err := NewEngine(store, 1)
	assert.NoError(t, err)
	defer e.Shutdown()

	n, err := e.Prune(24 * time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.Status("old-done", "alice")
	assert.Error(t, err)
	persisted, err := store.Load()
	assert.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestListPagination(t *testing.T) {
	e, err := NewEngine(newMemStore(), 2)
	assert.NoError(t, err)
	defer e.Shutdown()

	ids := []string{}
	for i := 0; i < 5; i++ {
		id, err := e.Submit(SubmitRequest{
			OperationType: "activate",
			Username:      "alice",
			RepoAlias:     "a",
		}, func(ctx context.Context, progress func(int)) (map[string]interface{}, error) {
			return nil, nil
		})
		assert.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitTerminal(t, e, id, "alice")
	}

	js, err := e.List("alice", STATUS_COMPLETED, 2, 0)
	assert.NoError(t, err)
	assert.Len(t, js, 2)

	js, err = e.List("alice", "", 0, 4)
	assert.NoError(t, err)
	assert.Len(t, js, 1)

	js, err = e.List("alice", "", 0, 99)
	assert.NoError(t, err)
	assert.Empty(t, js)
}
