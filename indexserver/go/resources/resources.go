// Package resources implements a scoped resource region: callers
// register file handles, database connections, temporary paths, and
// background tasks as they are acquired, and Close() disposes of all of
// them in reverse dependency order on every exit path.
package resources

import (
	"errors"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/shirou/gopsutil/process"

	"go.cidx.org/server/go/cleanup"
	"go.cidx.org/server/go/metrics2"
	"go.cidx.org/server/go/sklog"
)

const (
	// TASK_CANCEL_TIMEOUT is how long Close waits for each tracked
	// background task after requesting cancellation.
	TASK_CANCEL_TIMEOUT = 2 * time.Second

	// DEFAULT_MEMORY_THRESHOLD_MB is the default memory growth beyond
	// which a leak warning is emitted.
	DEFAULT_MEMORY_THRESHOLD_MB = 100.0
)

// task is a tracked background task: a cancellation request function
// and a channel which is closed when the task has fully stopped.
type task struct {
	name   string
	cancel func()
	done   <-chan struct{}
}

// namedCloser pairs an io.Closer with the name it was registered under.
type namedCloser struct {
	name string
	c    io.Closer
}

// Scope tracks resources acquired during one operation and disposes of
// them when closed. All methods are safe for concurrent use.
type Scope struct {
	name string

	mtx       sync.Mutex
	files     []*os.File
	conns     []namedCloser
	tempPaths []string
	tasks     []task
	closed    bool

	memMonitor  bool
	baselineMB  float64
	thresholdMB float64
}

// NewScope returns an empty Scope with the given name, used in log
// messages.
func NewScope(name string) *Scope {
	return &Scope{name: name}
}

// TrackFile registers an open file to be closed when the Scope closes.
func (s *Scope) TrackFile(f *os.File) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.files = append(s.files, f)
}

// TrackConn registers a named connection (eg. a database handle) to be
// closed when the Scope closes.
func (s *Scope) TrackConn(name string, c io.Closer) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.conns = append(s.conns, namedCloser{name: name, c: c})
}

// TrackTempPath registers a temporary file or directory to be removed
// recursively when the Scope closes.
func (s *Scope) TrackTempPath(p string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.tempPaths = append(s.tempPaths, p)
}

// TrackTask registers a named background task. cancel requests the task
// to stop; done must be closed by the task when it has fully stopped.
func (s *Scope) TrackTask(name string, cancel func(), done <-chan struct{}) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.tasks = append(s.tasks, task{name: name, cancel: cancel, done: done})
}

// EnableMemoryMonitoring captures a memory baseline now; Close will
// emit a leak warning if resident memory has grown by more than
// thresholdMB since the baseline. Pass zero for the default threshold.
func (s *Scope) EnableMemoryMonitoring(thresholdMB float64) {
	if thresholdMB <= 0 {
		thresholdMB = DEFAULT_MEMORY_THRESHOLD_MB
	}
	baseline, err := residentMemoryMB()
	if err != nil {
		sklog.Warningf("Scope %s: unable to sample baseline memory: %s", s.name, err)
		return
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.memMonitor = true
	s.baselineMB = baseline
	s.thresholdMB = thresholdMB
}

// RegisterShutdownHook arranges for the Scope to be closed when the
// process receives a termination signal.
func (s *Scope) RegisterShutdownHook() {
	cleanup.AtExit(func() {
		if err := s.Close(); err != nil {
			sklog.Errorf("Scope %s: cleanup at exit: %s", s.name, err)
		}
	})
}

// Close disposes of all tracked resources in reverse dependency order:
// background tasks first (they may hold other resources), then file
// handles, then connections, then temporary paths, then the memory
// check. Every step is independent; a failure in one step is recorded
// and the next step runs. Close is idempotent.
func (s *Scope) Close() error {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return nil
	}
	s.closed = true
	tasks := s.tasks
	files := s.files
	conns := s.conns
	tempPaths := s.tempPaths
	memMonitor := s.memMonitor
	baselineMB := s.baselineMB
	thresholdMB := s.thresholdMB
	s.tasks = nil
	s.files = nil
	s.conns = nil
	s.tempPaths = nil
	s.mtx.Unlock()

	var rv *multierror.Error

	// 1. Cancel background tasks.
	for i := len(tasks) - 1; i >= 0; i-- {
		t := tasks[i]
		t.cancel()
		select {
		case <-t.done:
		case <-time.After(TASK_CANCEL_TIMEOUT):
			sklog.Warningf("Scope %s: task %q did not stop within %s; proceeding.", s.name, t.name, TASK_CANCEL_TIMEOUT)
		}
	}

	// 2. Close file handles. Already-closed is not an error.
	for i := len(files) - 1; i >= 0; i-- {
		if err := files[i].Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			sklog.Errorf("Scope %s: failed to close file %s: %s", s.name, files[i].Name(), err)
			rv = multierror.Append(rv, err)
		}
	}

	// 3. Close named connections.
	for i := len(conns) - 1; i >= 0; i-- {
		if err := conns[i].c.Close(); err != nil {
			sklog.Errorf("Scope %s: failed to close connection %q: %s", s.name, conns[i].name, err)
			rv = multierror.Append(rv, err)
		}
	}

	// 4. Remove temporary paths.
	for i := len(tempPaths) - 1; i >= 0; i-- {
		if err := os.RemoveAll(tempPaths[i]); err != nil {
			sklog.Errorf("Scope %s: failed to remove temp path %s: %s", s.name, tempPaths[i], err)
			rv = multierror.Append(rv, err)
		}
	}

	// 5. Memory check.
	if memMonitor {
		s.checkMemory(baselineMB, thresholdMB)
	}

	return rv.ErrorOrNil()
}

// LeakWarning describes memory growth observed over the lifetime of a
// Scope. It is informational, never fatal.
type LeakWarning struct {
	GrowthMB        float64
	CurrentMB       float64
	BaselineMB      float64
	ThresholdMB     float64
	Severity        string
	Recommendations []string
}

// severity classifies memory growth relative to the threshold.
func severity(growthMB, thresholdMB float64) string {
	ratio := growthMB / thresholdMB
	switch {
	case ratio >= 3:
		return "severe"
	case ratio >= 1.5:
		return "high"
	default:
		return "moderate"
	}
}

func (s *Scope) checkMemory(baselineMB, thresholdMB float64) {
	runtime.GC()
	current, err := residentMemoryMB()
	if err != nil {
		sklog.Warningf("Scope %s: unable to sample memory: %s", s.name, err)
		return
	}
	metrics2.GetInt64Metric("resource_scope_memory_mb", map[string]string{"scope": s.name}).Update(int64(current))
	growth := current - baselineMB
	if growth <= thresholdMB {
		return
	}
	w := LeakWarning{
		GrowthMB:    growth,
		CurrentMB:   current,
		BaselineMB:  baselineMB,
		ThresholdMB: thresholdMB,
		Severity:    severity(growth, thresholdMB),
		Recommendations: []string{
			"Check for unclosed file handles or subprocess pipes.",
			"Check for goroutines retained past the operation's lifetime.",
			"Reduce the amount of repository content buffered in memory.",
		},
	}
	sklog.Warningf("Scope %s: possible memory leak (severity=%s): grew %.1f MB (baseline %.1f MB, current %.1f MB, threshold %.1f MB). %v",
		s.name, w.Severity, w.GrowthMB, w.BaselineMB, w.CurrentMB, w.ThresholdMB, w.Recommendations)
}

// residentMemoryMB returns the current process's resident set size in
// megabytes.
func residentMemoryMB() (float64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(info.RSS) / (1024 * 1024), nil
}

// WithScope runs fn inside a new Scope and guarantees disposal on all
// exit paths. The error from fn is never suppressed by cleanup
// failures; cleanup failures are logged.
func WithScope(name string, fn func(s *Scope) error) error {
	s := NewScope(name)
	defer func() {
		if err := s.Close(); err != nil {
			sklog.Errorf("Scope %s: cleanup: %s", name, err)
		}
	}()
	return fn(s)
}
