package launcher

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const maxLineBytes = 1 << 20

// Command is a fully resolved process invocation.
type Command struct {
	Path string
	Args []string
	// Env replaces the process environment when non-nil.
	Env []string
	Dir string
	// Cleanup, if set, runs once the process has exited or failed to start.
	Cleanup func()
}

// LineFunc receives worker output one line at a time. stream is "stdout" or "stderr".
type LineFunc func(stream, line string)

// Result describes a finished process.
type Result struct {
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	Err      error
}

// Process is a started command.
type Process struct {
	proc *os.Process
	done chan Result
}

func (p *Process) PID() int {
	return p.proc.Pid
}

// Stop sends SIGTERM. Stopping an exited process is not an error.
func (p *Process) Stop() error {
	err := p.proc.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Done yields exactly one Result and is then closed.
func (p *Process) Done() <-chan Result {
	return p.done
}

// Runner starts worker processes. The started process is not bound to any
// context: workers outlive the request that launched them.
type Runner struct{}

func NewRunner() *Runner {
	return &Runner{}
}

// Start runs the command and returns once it has been started. Output is
// streamed to lines, which may be nil.
func (r *Runner) Start(proto Command, lines LineFunc) (*Process, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go scanLines(&readers, stdout, "stdout", lines)
	go scanLines(&readers, stderr, "stderr", lines)

	p := &Process{proc: cmd.Process, done: make(chan Result, 1)}
	go func() {
		// pipes must be drained before Wait
		readers.Wait()
		err := cmd.Wait()
		res := Result{
			Started:  started,
			Stopped:  time.Now().UTC(),
			ExitCode: -1,
			Err:      err,
		}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Err = nil
		}
		p.done <- res
		close(p.done)
	}()
	return p, nil
}

func scanLines(wg *sync.WaitGroup, r io.Reader, stream string, lines LineFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if lines != nil {
			lines(stream, scanner.Text())
		}
	}
	// keep the child from blocking on a full pipe after a scan error
	_, _ = io.Copy(io.Discard, r)
}
