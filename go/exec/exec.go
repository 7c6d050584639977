/*
Package exec is a wrapper around the os/exec package that supports
timeouts and testing.

Example usage:

Simple command with argument:

	err := exec.Run(ctx, &exec.Command{
		Name: "touch",
		Args: []string{file},
	})

More complicated example:

	output := bytes.Buffer{}
	err := exec.Run(ctx, &exec.Command{
		Name: "make",
		Args: []string{"all"},
		// Set environment:
		Env: []string{fmt.Sprintf("GOPATH=%s", projectGoPath)},
		// Set working directory:
		Dir: projectDir,
		// Capture output:
		CombinedOutput: &output,
		// Set a timeout:
		Timeout: 10 * time.Minute,
	})
*/
package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"

	"go.cidx.org/server/go/sklog"
)

const (
	// TIMEOUT_ERROR_PREFIX is the prefix of the error returned when a
	// command exceeds its Timeout.
	TIMEOUT_ERROR_PREFIX = "Command killed since it took longer than"
)

type contextKey string

const execContextKey contextKey = "overriddenExec"

// WriteLog implements the io.Writer interface and writes to the given log function.
type WriteLog struct {
	LogFunc func(format string, args ...interface{})
}

func (wl WriteLog) Write(p []byte) (n int, err error) {
	wl.LogFunc("%s", string(p))
	return len(p), nil
}

var (
	WriteInfoLog    = WriteLog{LogFunc: sklog.Infof}
	WriteWarningLog = WriteLog{LogFunc: sklog.Warningf}
)

// Command describes a command to run: an argv, an optional environment
// and working directory, output destinations, and a timeout.
type Command struct {
	// Name of the command, as passed to osexec.Command. Can be the path to a binary or the
	// name of a command that osexec.Lookpath can find.
	Name string
	// Arguments of the command, not including Name.
	Args []string
	// The environment of the process. If nil, the current process's environment is used.
	Env []string
	// If Env is non-nil, adds the current process's entire environment to Env, excluding
	// variables that are already set in Env.
	InheritEnv bool
	// If Env is non-nil, adds the current process's PATH to Env. Do not include PATH in Env.
	InheritPath bool
	// The working directory of the command. If empty, runs in the current process's current
	// directory.
	Dir string
	// See docs for osexec.Cmd.Stdin.
	Stdin io.Reader
	// If true, duplicates stdout of the command to WriteInfoLog.
	LogStdout bool
	// Sends the stdout of the command to this Writer, e.g. os.File or bytes.Buffer.
	Stdout io.Writer
	// If true, duplicates stderr of the command to WriteWarningLog.
	LogStderr bool
	// Sends the stderr of the command to this Writer, e.g. os.File or bytes.Buffer.
	Stderr io.Writer
	// Sends the combined stdout and stderr of the command to this Writer, in addition to
	// Stdout and Stderr. Only one goroutine will write at a time.
	CombinedOutput io.Writer
	// Time limit to wait for the command to finish. No limit if not specified.
	Timeout time.Duration
	// Whether to log when the command starts.
	Verbose Verbosity
	// SysProcAttr holds optional, operating system-specific attributes.
	SysProcAttr *syscall.SysProcAttr
}

type Verbosity int

const (
	Info Verbosity = iota
	Debug
	Silent
)

// DebugString returns the Env, Name, and Args of command joined with spaces.
func DebugString(command *Command) string {
	result := ""
	result += strings.Join(command.Env, " ")
	if len(command.Env) != 0 {
		result += " "
	}
	result += command.Name
	if len(command.Args) != 0 {
		result += " "
	}
	result += strings.Join(command.Args, " ")
	return result
}

func (c *Command) String() string {
	return DebugString(c)
}

// Given io.Writers or nils, return a single writer that writes to all, or nil
// if no non-nil writers.
func squashWriters(writers ...io.Writer) io.Writer {
	nonNil := []io.Writer{}
	for _, writer := range writers {
		if writer != nil {
			nonNil = append(nonNil, writer)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return io.MultiWriter(nonNil...)
	}
}

// envMerge merges two sets of environment variables of the form "KEY=VALUE",
// with primary taking precedence over secondary.
func envMerge(primary, secondary []string) []string {
	primaryKeys := make(map[string]bool, len(primary))
	for _, kv := range primary {
		primaryKeys[strings.SplitN(kv, "=", 2)[0]] = true
	}
	merged := make([]string, 0, len(primary)+len(secondary))
	merged = append(merged, primary...)
	for _, kv := range secondary {
		if !primaryKeys[strings.SplitN(kv, "=", 2)[0]] {
			merged = append(merged, kv)
		}
	}
	return merged
}

func createCmd(command *Command) *osexec.Cmd {
	cmd := osexec.Command(command.Name, command.Args...)
	if len(command.Env) != 0 {
		cmd.Env = command.Env
		if command.InheritEnv {
			cmd.Env = envMerge(cmd.Env, os.Environ())
		} else if command.InheritPath {
			cmd.Env = append(cmd.Env, "PATH="+os.Getenv("PATH"))
		}
	}
	cmd.Dir = command.Dir
	cmd.Stdin = command.Stdin
	var stdoutLog io.Writer
	if command.LogStdout {
		stdoutLog = WriteInfoLog
	}
	cmd.Stdout = squashWriters(stdoutLog, command.Stdout, command.CombinedOutput)
	var stderrLog io.Writer
	if command.LogStderr {
		stderrLog = WriteWarningLog
	}
	cmd.Stderr = squashWriters(stderrLog, command.Stderr, command.CombinedOutput)
	cmd.SysProcAttr = command.SysProcAttr
	return cmd
}

func start(command *Command, cmd *osexec.Cmd) error {
	if command.Verbose != Silent {
		dirMsg := ""
		if cmd.Dir != "" {
			dirMsg = " with CWD " + cmd.Dir
		}
		if command.Verbose == Info {
			sklog.Infof("Executing '%s'%s", DebugString(command), dirMsg)
		} else if command.Verbose == Debug {
			sklog.Debugf("Executing '%s'%s", DebugString(command), dirMsg)
		}
	}
	err := cmd.Start()
	if err != nil {
		return fmt.Errorf("Unable to start command %s: %s", DebugString(command), err)
	}
	return nil
}

func waitSimple(command *Command, cmd *osexec.Cmd) error {
	err := cmd.Wait()
	if err != nil {
		return fmt.Errorf("Command exited with %s: %s", err, DebugString(command))
	}
	return nil
}

func wait(ctx context.Context, command *Command, cmd *osexec.Cmd) error {
	if command.Timeout == 0 && ctx.Done() == nil {
		return waitSimple(command, cmd)
	}
	var timeoutCh <-chan time.Time
	if command.Timeout != 0 {
		timer := time.NewTimer(command.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	done := make(chan error)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case <-timeoutCh:
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("Failed to kill timed out process: %s", err)
		}
		<-done // allow goroutine to exit
		return fmt.Errorf("%s %f secs", TIMEOUT_ERROR_PREFIX, command.Timeout.Seconds())
	case <-ctx.Done():
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("Failed to kill cancelled process: %s", err)
		}
		<-done
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("Command exited with %s: %s", err, DebugString(command))
		}
		return nil
	}
}

// IsTimeout returns true if the specified error was raised due to a command
// exceeding its Timeout.
func IsTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), TIMEOUT_ERROR_PREFIX)
}

// DefaultRun can be passed to SetRunForTesting to go back to running commands
// as normal.
func DefaultRun(ctx context.Context, command *Command) error {
	cmd := createCmd(command)
	if err := start(command, cmd); err != nil {
		return err
	}
	return wait(ctx, command, cmd)
}

// execContext tracks the run function to use within a context.Context.
type execContext struct {
	runFn func(context.Context, *Command) error
}

// NewContext returns a context.Context instance which uses the given function
// to run Commands.
func NewContext(ctx context.Context, runFn func(context.Context, *Command) error) context.Context {
	newCtx := &execContext{runFn: runFn}
	return context.WithValue(ctx, execContextKey, newCtx)
}

// getCtx retrieves the execContext associated with the context.Context.
func getCtx(ctx context.Context) *execContext {
	if v := ctx.Value(execContextKey); v != nil {
		return v.(*execContext)
	}
	return &execContext{runFn: DefaultRun}
}

// See documentation for exec.Run.
func (c *execContext) Run(ctx context.Context, command *Command) error {
	return c.runFn(ctx, command)
}

// runSimpleCommand executes the given command. Returns the combined stdout
// and stderr. May also return an error if the command exited with a non-zero
// status or there is any other error.
func (c *execContext) runSimpleCommand(ctx context.Context, command *Command) (string, error) {
	output := bytes.Buffer{}
	command.CombinedOutput = &output
	command.Verbose = Silent
	err := c.Run(ctx, command)
	result := output.String()
	if err != nil {
		return result, fmt.Errorf("%s; Stdout+Stderr:\n%s", err.Error(), result)
	}
	return result, nil
}

// Run runs command and waits for it to finish. If any failure, returns
// non-nil. If a timeout was specified, returns an error once the command has
// exceeded that timeout.
func Run(ctx context.Context, command *Command) error {
	return getCtx(ctx).Run(ctx, command)
}

// RunSimple executes the given command line string; the command being run is
// expected to not care what its current working directory is. Returns the
// combined stdout and stderr. May also return an error if the command exited
// with a non-zero status or there is any other error.
func RunSimple(ctx context.Context, commandLine string) (string, error) {
	cmd := ParseCommand(commandLine)
	return getCtx(ctx).runSimpleCommand(ctx, &cmd)
}

// RunCommand executes the given command and returns the combined stdout and
// stderr. May also return an error if the command exited with a non-zero
// status or there is any other error.
func RunCommand(ctx context.Context, command *Command) (string, error) {
	return getCtx(ctx).runSimpleCommand(ctx, command)
}

// RunCwd executes the given command in the given directory. Returns the
// combined stdout and stderr. May also return an error if the command exited
// with a non-zero status or there is any other error.
func RunCwd(ctx context.Context, cwd string, args ...string) (string, error) {
	command := &Command{
		Name: args[0],
		Args: args[1:],
		Dir:  cwd,
	}
	return getCtx(ctx).runSimpleCommand(ctx, command)
}

// ParseCommand divides commandLine at spaces; treats the first token as the
// program name and the other tokens as arguments. Note: don't expect this
// function to do anything smart with quotes or escaped spaces.
func ParseCommand(commandLine string) Command {
	programAndArgs := strings.Split(commandLine, " ")
	return Command{Name: programAndArgs[0], Args: programAndArgs[1:]}
}
