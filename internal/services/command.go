package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Stream identifies which output pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// LineFunc receives output lines from an external command. Calls are serialized.
type LineFunc func(stream Stream, line string)

// CommandRunner executes external tools and streams their output line by line.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, onLine LineFunc) error
}

// CommandFunc adapts a plain function into a CommandRunner (used by tests).
type CommandFunc func(ctx context.Context, name string, args []string, onLine LineFunc) error

// Run implements CommandRunner.
func (f CommandFunc) Run(ctx context.Context, name string, args []string, onLine LineFunc) error {
	return f(ctx, name, args, onLine)
}

// CommandError captures a failed invocation along with the tail of stderr so
// adapters can classify the failure.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += ": " + lastLine(tail)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

const (
	stderrTailLines  = 40
	defaultWaitDelay = 5 * time.Second
	maxLineBytes     = 1 << 20
)

// ExecRunner runs commands via os/exec. Cancellation sends SIGINT first and
// escalates to SIGKILL after WaitDelay.
type ExecRunner struct {
	Env       []string
	WaitDelay time.Duration
}

// NewExecRunner returns an ExecRunner with default settings.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: defaultWaitDelay}
}

// Run implements CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, onLine LineFunc) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: stdout pipe: %w", name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%s: stderr pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: start: %w", name, err)
	}

	var (
		mu   sync.Mutex
		tail []string
		wg   sync.WaitGroup
	)
	emit := func(stream Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		if stream == Stderr {
			tail = append(tail, line)
			if len(tail) > stderrTailLines {
				tail = tail[len(tail)-stderrTailLines:]
			}
		}
		if onLine != nil {
			onLine(stream, line)
		}
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, Stdout, emit)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, Stderr, emit)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", name, ctx.Err())
	}
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	mu.Lock()
	stderrTail := strings.Join(tail, "\n")
	mu.Unlock()
	return &CommandError{Command: name, ExitCode: exitCode, Stderr: stderrTail, Err: waitErr}
}

func scanLines(r io.Reader, stream Stream, emit func(Stream, string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	scanner.Split(splitLinesOrCarriage)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" {
			continue
		}
		emit(stream, line)
	}
	// Drain so the child never blocks on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, r)
}

// splitLinesOrCarriage treats '\r' as a line break too; yt-dlp and ffmpeg
// redraw progress lines with carriage returns.
func splitLinesOrCarriage(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}
