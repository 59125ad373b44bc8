package session

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// SpawnSpec describes one CLI invocation.
type SpawnSpec struct {
	CLIPath     string
	Workdir     string
	Model       string
	SessionUUID string
	// Resume selects --resume over --session-id. A resumed session gets only
	// an appended system-prompt fragment; sending the full system prompt
	// would overwrite the stored one and erase history.
	Resume             bool
	SystemPrompt       string
	AppendSystemPrompt string
	// Prompt is written to the child's stdin, which avoids argv length
	// limits for long prompts and attached file lists.
	Prompt string
	Stream bool
}

// Proc is a running CLI child process.
type Proc interface {
	Stdout() io.Reader
	// Stderr returns everything the child has written to stderr so far.
	Stderr() string
	// Wait blocks until the process exits. Call only after stdout is fully
	// drained; Wait closes the pipe and can discard buffered output.
	Wait() error
	// Kill terminates the child's process group. Idempotent.
	Kill()
}

// ProcessRunner abstracts spawning of the CLI subprocess so tests can
// substitute a scripted implementation.
type ProcessRunner interface {
	Start(spec SpawnSpec) (Proc, error)
}

// CLIRunner implements ProcessRunner by spawning the real CLI binary.
type CLIRunner struct{}

// Start builds and starts the CLI process for a turn.
func (CLIRunner) Start(spec SpawnSpec) (Proc, error) {
	outputFormat := "json"
	if spec.Stream {
		outputFormat = "stream-json"
	}

	args := []string{
		"--print",
		"--output-format", outputFormat,
		"--dangerously-skip-permissions",
		"--model", spec.Model,
	}
	if spec.Stream {
		// --verbose is required for stream-json with --print;
		// partial messages give token-level deltas instead of whole turns.
		args = append(args, "--verbose", "--include-partial-messages")
	}
	if spec.Resume {
		args = append(args, "--resume", spec.SessionUUID)
		if spec.AppendSystemPrompt != "" {
			args = append(args, "--append-system-prompt", spec.AppendSystemPrompt)
		}
	} else {
		args = append(args, "--session-id", spec.SessionUUID)
		if spec.SystemPrompt != "" {
			args = append(args, "--system-prompt", spec.SystemPrompt)
		}
	}

	cmd := exec.Command(spec.CLIPath, args...)
	cmd.Dir = spec.Workdir
	cmd.Env = scrubEnv(os.Environ())
	cmd.Stdin = strings.NewReader(spec.Prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &cliProc{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// scrubEnv removes ANTHROPIC_API_KEY so the child authenticates through the
// CLI's own credentials rather than billing the gateway's key.
func scrubEnv(env []string) []string {
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "ANTHROPIC_API_KEY=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

type cliProc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *lockedBuffer
	kill   sync.Once
}

func (p *cliProc) Stdout() io.Reader { return p.stdout }
func (p *cliProc) Stderr() string    { return p.stderr.String() }
func (p *cliProc) Wait() error       { return p.cmd.Wait() }

func (p *cliProc) Kill() {
	p.kill.Do(func() {
		// Negative pid signals the whole process group (Setpgid above).
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
	})
}

// lockedBuffer is a bytes.Buffer safe for a writing child and reading parent.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
