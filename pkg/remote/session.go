package remote

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/types"
)

// ErrorKind classifies a remote command failure
type ErrorKind string

const (
	OK                 ErrorKind = "ok"
	SpawnFailed        ErrorKind = "spawn-failed"
	ConnectTimeout     ErrorKind = "connect-timeout"
	HostKeyRetryFailed ErrorKind = "host-key-mismatch-retry-failed"
	AuthFailed         ErrorKind = "auth-failed"
	CommandFailed      ErrorKind = "command-failed"
)

const (
	// DefaultRunTimeout bounds a captured remote command
	DefaultRunTimeout = 15 * time.Second

	connectTimeoutSecs = 8
	probeSentinel      = "__GUARDIAN_OK__"
)

// Result is the outcome of one captured remote command
type Result struct {
	ExitCode int
	Output   []byte
	Kind     ErrorKind
}

// Ok reports whether the command completed with exit code zero
func (r Result) Ok() bool {
	return r.Kind == OK
}

// Runner executes shell commands on nodes over the OpenSSH client with
// control-channel multiplexing. A single Runner is shared by all
// watchers and firewall workers.
type Runner struct {
	logger  zerolog.Logger
	hostKey *hostKeyGuard
}

// NewRunner creates a runner
func NewRunner() *Runner {
	return &Runner{
		logger:  log.WithComponent("remote"),
		hostKey: newHostKeyGuard(),
	}
}

// baseArgs builds the ssh argv prefix for a node. The control channel
// persists for 60s of idle so consecutive commands reuse one transport.
// BatchMode is only set for key auth; sshpass needs prompts allowed.
func baseArgs(node types.NodeSpec) []string {
	args := []string{}
	if node.SSHPass != "" {
		args = append(args, "sshpass", "-p", node.SSHPass)
	}
	args = append(args, "ssh")
	if node.SSHKey != "" {
		args = append(args, "-i", node.SSHKey)
	}
	if node.SSHPass == "" {
		args = append(args, "-o", "BatchMode=yes")
	}
	args = append(args,
		"-o", "StrictHostKeyChecking=no",
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=60s",
		"-o", "ControlPath=~/.ssh/cm-%r@%h:%p",
		"-o", "ConnectTimeout="+strconv.Itoa(connectTimeoutSecs),
		"-p", strconv.Itoa(node.SSHPort),
		fmt.Sprintf("%s@%s", node.SSHUser, node.Host),
	)
	return args
}

// Run executes remoteCmd on the node and captures combined output.
// A zero timeout uses DefaultRunTimeout. Host-key rotation is absorbed
// once per host: the stale entry is removed and the command retried,
// with the retry result authoritative.
func (r *Runner) Run(ctx context.Context, node types.NodeSpec, remoteCmd string, timeout time.Duration) Result {
	res := r.runOnce(ctx, node, remoteCmd, timeout)
	if res.Kind == OK || !hostKeyMismatch(res.Output) {
		return res
	}
	if !r.hostKey.clearOnce(node, r.logger) {
		res.Kind = HostKeyRetryFailed
		return res
	}
	retry := r.runOnce(ctx, node, remoteCmd, timeout)
	if !retry.Ok() && hostKeyMismatch(retry.Output) {
		retry.Kind = HostKeyRetryFailed
	}
	return retry
}

func (r *Runner) runOnce(ctx context.Context, node types.NodeSpec, remoteCmd string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(baseArgs(node), remoteCmd)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()

	if err == nil {
		return Result{ExitCode: 0, Output: out, Kind: OK}
	}
	if ctx.Err() == context.DeadlineExceeded {
		return Result{ExitCode: -1, Output: out, Kind: ConnectTimeout}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		rc := exitErr.ExitCode()
		kind := CommandFailed
		if rc == 255 {
			kind = AuthFailed
		}
		return Result{ExitCode: rc, Output: out, Kind: kind}
	}
	return Result{ExitCode: -1, Output: []byte(err.Error()), Kind: SpawnFailed}
}

// Probe verifies basic connectivity with an echo round trip
func (r *Runner) Probe(ctx context.Context, node types.NodeSpec) bool {
	res := r.Run(ctx, node, "echo "+probeSentinel, 10*time.Second)
	if res.Ok() && containsLine(res.Output, probeSentinel) {
		return true
	}
	r.logger.Error().
		Str("node", node.Name).
		Int("rc", res.ExitCode).
		Str("kind", string(res.Kind)).
		Str("tail", outputTail(res.Output, 8)).
		Msg("ssh basic check failed")
	return false
}

// Session is a running remote command whose stdout+stderr is consumed
// line by line.
type Session struct {
	Lines <-chan string

	cmd  *exec.Cmd
	done chan struct{}
	rc   int
}

// Stream starts remoteCmd on the node and returns a line-oriented
// session. Cancelling ctx kills the transport promptly.
func (r *Runner) Stream(ctx context.Context, node types.NodeSpec, remoteCmd string) (*Session, error) {
	argv := append(baseArgs(node), remoteCmd)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn ssh: %w", err)
	}

	lines := make(chan string, 256)
	s := &Session{Lines: lines, cmd: cmd, done: make(chan struct{})}

	go func() {
		defer close(lines)
		defer close(s.done)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 512*1024)
	scan:
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				break scan
			}
		}
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			s.rc = exitErr.ExitCode()
		} else if err != nil {
			s.rc = -1
		}
	}()

	return s, nil
}

// Kill terminates the session's transport
func (s *Session) Kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// Wait blocks until the session's output is drained and returns the
// ssh exit code.
func (s *Session) Wait() int {
	<-s.done
	return s.rc
}

// DetectHostKeyMismatch lets stream consumers react to a rotation
// announcement showing up mid-stream; clearing happens at most once
// per host for the process lifetime.
func (r *Runner) DetectHostKeyMismatch(node types.NodeSpec, line string) bool {
	if !hostKeyMismatch([]byte(line)) {
		return false
	}
	return r.hostKey.clearOnce(node, r.logger)
}
