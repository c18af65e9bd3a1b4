package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// DefaultTerminateGrace is how long a subprocess gets to exit after SIGTERM.
const DefaultTerminateGrace = 5 * time.Second

// Default names of the environment variables a subprocess receives.
const (
	DefaultCredentialEnv = "UPSTREAM_API_KEY"
	DefaultUserIDEnv     = "MCPGATE_USER_ID"
	SessionIDEnv         = "MCPGATE_SESSION_ID"
)

// inheritedEnv lists the gateway environment variables passed through to
// subprocesses. Everything else, including gateway secrets, is withheld.
var inheritedEnv = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "TZ", "SYSTEMROOT"}

// Spawner starts the subprocess for a new session.
type Spawner interface {
	Spawn(ctx context.Context, sessionID string, p Principal) (*Process, error)
}

// Process is a running subprocess and its standard streams.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	<-p.done
	return p.err
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate sends SIGTERM and kills the process if it has not exited after
// grace. It returns once the process is gone.
func (p *Process) Terminate(grace time.Duration) {
	defer func() { _ = p.Stdout.Close() }()
	if p.Exited() {
		return
	}
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}

// CommandSpawner runs a local command per session. The upstream credential
// and user id reach the subprocess through its environment.
type CommandSpawner struct {
	Command       string
	Args          []string
	Env           []string
	WorkDir       string
	CredentialEnv string
	UserIDEnv     string
	Logger        *slog.Logger
}

// Spawn starts the command with stdout and stderr on dedicated pipes. The
// pipes are owned by the Process rather than exec.Cmd so Wait never closes
// stdout before the bridge has drained it.
func (c *CommandSpawner) Spawn(ctx context.Context, sessionID string, p Principal) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Command == "" {
		return nil, errors.New("session command is not configured")
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(c.Command, c.Args...)
	cmd.Dir = c.WorkDir
	cmd.Env = c.environ(sessionID, p)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		for _, f := range []*os.File{outR, outW, errR, errW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("start %s: %w", c.Command, err)
	}
	// The child holds its own copies; ours would keep EOF from ever arriving.
	_ = outW.Close()
	_ = errW.Close()

	proc := &Process{
		Stdin:  stdin,
		Stdout: outR,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	go logStderr(errR, logger.With("session_id", sessionID, "pid", cmd.Process.Pid))
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

func (c *CommandSpawner) environ(sessionID string, p Principal) []string {
	env := make([]string, 0, len(inheritedEnv)+len(c.Env)+3)
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, c.Env...)

	credEnv := c.CredentialEnv
	if credEnv == "" {
		credEnv = DefaultCredentialEnv
	}
	userEnv := c.UserIDEnv
	if userEnv == "" {
		userEnv = DefaultUserIDEnv
	}
	return append(env,
		credEnv+"="+p.UpstreamCredential,
		userEnv+"="+p.UserID,
		SessionIDEnv+"="+sessionID,
	)
}

func logStderr(r io.ReadCloser, logger *slog.Logger) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		logger.Debug("subprocess stderr", "line", sc.Text())
	}
	if err := sc.Err(); err != nil {
		logger.Warn("subprocess stderr no longer logged", "error", err)
	}
	// Keep the pipe drained so the child never blocks or dies writing to it.
	_, _ = io.Copy(io.Discard, r)
}
