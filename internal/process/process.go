package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loykin/cs150ctl/internal/metrics"
)

// killWait bounds how long Kill waits for the exit monitor to reap the child.
const killWait = 200 * time.Millisecond

// Process is a running subordinate with its three standard streams attached
// to pipes owned by this value. It has exactly one owner.
type Process struct {
	spec   Spec
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File
	tail   *tailBuffer

	waitDone   chan struct{} // closed by monitor when cmd.Wait returns
	stderrDone chan struct{} // closed when the stderr drain hits EOF

	mu         sync.Mutex
	status     Status
	terminated bool
}

// Start launches the subordinate described by spec, waits its grace period and
// verifies it is still alive. Any failure is a *StartupError.
func Start(spec Spec) (*Process, error) {
	fail := func(err error) error {
		if spec.StderrLog != nil {
			_ = spec.StderrLog.Close()
		}
		metrics.IncStartupFailure(spec.displayName())
		return &StartupError{Path: spec.Path, ExitCode: -1, Err: err}
	}
	if spec.Path == "" {
		return nil, fail(errors.New("executable path is empty"))
	}
	if _, err := os.Stat(spec.Path); err != nil {
		return nil, fail(err)
	}

	r := &Process{
		spec:       spec,
		tail:       newTailBuffer(spec.stderrLimit()),
		waitDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	cmd := spec.BuildCommand()
	childEnds, err := r.attachPipes(cmd)
	if err != nil {
		closeFiles(r.stdin, r.stdout, r.stderr)
		return nil, fail(err)
	}
	err = cmd.Start()
	// The child holds its own copies now; ours would keep EOF from ever arriving.
	closeFiles(childEnds...)
	if err != nil {
		closeFiles(r.stdin, r.stdout, r.stderr)
		return nil, fail(err)
	}
	r.setStarted(cmd)
	go r.drainStderr()
	go r.monitor()

	slog.Info("Subordinate process spawned", "name", spec.displayName(), "pid", cmd.Process.Pid, "grace", spec.startGrace())
	if err := r.awaitStartup(spec.startGrace()); err != nil {
		metrics.IncStartupFailure(spec.displayName())
		return nil, err
	}
	metrics.IncStart(spec.displayName())
	return r, nil
}

// attachPipes wires OS pipes to the command and returns the child-side ends,
// which the caller must close after Start.
func (r *Process) attachPipes(cmd *exec.Cmd) ([]*os.File, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	r.stdin = inW
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	r.stdout = outR
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	r.stderr = errR
	cmd.Stdin, cmd.Stdout, cmd.Stderr = inR, outW, errW
	return []*os.File{inR, outW, errW}, nil
}

// awaitStartup fails promptly if the process exits inside the grace period.
func (r *Process) awaitStartup(grace time.Duration) error {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-t.C:
		if r.Alive() {
			return nil
		}
	case <-r.waitDone:
	}
	<-r.waitDone
	// Give the drain a moment to collect what the child wrote before dying.
	select {
	case <-r.stderrDone:
	case <-time.After(500 * time.Millisecond):
	}
	r.mu.Lock()
	r.terminated = true
	code := r.status.ExitCode
	r.mu.Unlock()
	r.closePipes()
	return &StartupError{Path: r.spec.Path, ExitCode: code, Stderr: r.tail.String(), Err: ErrExitedEarly}
}

func (r *Process) setStarted(cmd *exec.Cmd) {
	r.mu.Lock()
	r.cmd = cmd
	r.status.Name = r.spec.displayName()
	r.status.Running = true
	r.status.PID = cmd.Process.Pid
	r.status.StartedAt = time.Now()
	r.status.ExitCode = -1
	r.mu.Unlock()
}

func (r *Process) monitor() {
	err := r.cmd.Wait()
	r.markExited(err)
	close(r.waitDone)
}

func (r *Process) markExited(err error) {
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	if err != nil {
		r.status.ExitErr = err.Error()
	}
	if ps := r.cmd.ProcessState; ps != nil {
		r.status.ExitCode = ps.ExitCode()
	}
	st := r.status
	r.mu.Unlock()
	slog.Debug("Subordinate process exited", "name", st.Name, "pid", st.PID, "exitCode", st.ExitCode)
}

func (r *Process) drainStderr() {
	var w io.Writer = r.tail
	if r.spec.StderrLog != nil {
		w = io.MultiWriter(r.tail, r.spec.StderrLog)
	}
	_, _ = io.Copy(w, r.stderr)
	_ = r.stderr.Close()
	if r.spec.StderrLog != nil {
		_ = r.spec.StderrLog.Close()
	}
	close(r.stderrDone)
}

// Alive reports whether the subordinate is still running. It never blocks.
func (r *Process) Alive() bool {
	select {
	case <-r.waitDone:
		return false
	default:
		return true
	}
}

// Done is closed once the subordinate has exited and been reaped.
func (r *Process) Done() <-chan struct{} { return r.waitDone }

// Writer is the subordinate's stdin.
func (r *Process) Writer() io.Writer { return r.stdin }

// Reader is the subordinate's stdout.
func (r *Process) Reader() io.Reader { return r.stdout }

// PID returns the OS process id.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.PID
}

// ExitCode returns the exit code, or -1 while running or after a signal kill.
func (r *Process) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.ExitCode
}

// Stderr returns the captured tail of the subordinate's error stream.
func (r *Process) Stderr() string { return r.tail.String() }

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

// Terminate shuts the subordinate down. sendExit should deliver the exit
// request; the process then gets timeout to leave on its own before it is
// killed. A failing sendExit (broken pipe) goes straight to the kill.
// Calls after the first, or on an exited process, are no-ops.
func (r *Process) Terminate(sendExit func() error, timeout time.Duration) error {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return nil
	}
	r.terminated = true
	r.mu.Unlock()
	defer r.closePipes()

	name := r.spec.displayName()
	if !r.Alive() {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	var cause error
	if sendExit != nil {
		cause = sendExit()
	}
	// EOF on stdin ends the subordinate's read loop as well.
	_ = r.stdin.Close()
	if cause == nil {
		t := time.NewTimer(timeout)
		select {
		case <-r.waitDone:
			t.Stop()
			metrics.IncStop(name, "graceful")
			slog.Info("Subordinate process exited", "name", name, "exitCode", r.ExitCode())
			return nil
		case <-t.C:
			cause = fmt.Errorf("no exit after %s", timeout)
		}
	}
	slog.Warn("Forcing subordinate shutdown", "name", name, "pid", r.PID(), "reason", cause)
	r.kill()
	metrics.IncStop(name, "killed")
	return fmt.Errorf("%w: %v", ErrKilled, cause)
}

// Kill force-kills the subordinate and waits briefly for it to be reaped.
func (r *Process) Kill() error {
	r.mu.Lock()
	r.terminated = true
	r.mu.Unlock()
	if !r.Alive() {
		r.closePipes()
		return nil
	}
	r.kill()
	metrics.IncStop(r.spec.displayName(), "killed")
	r.closePipes()
	return nil
}

func (r *Process) kill() {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil {
		return
	}
	_ = killGroup(cmd.Process)
	select {
	case <-r.waitDone:
		// reaped by monitor
	case <-time.After(killWait):
		// best-effort
	}
}

// closePipes releases our ends of the pipes. Closing twice is harmless.
func (r *Process) closePipes() {
	closeFiles(r.stdin, r.stdout)
	if r.stderr == nil {
		return
	}
	select {
	case <-r.stderrDone:
	case <-time.After(killWait):
		// a grandchild may still hold the write end; unblock the drain
		_ = r.stderr.Close()
	}
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
