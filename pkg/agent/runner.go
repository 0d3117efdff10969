package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// ErrProcessExited is returned by writes after the subprocess is gone.
var ErrProcessExited = errors.New("subprocess not running")

// Runner owns one LLM-CLI subprocess and its stdio: stdout is surfaced as a
// raw JSON-lines stream, stdin takes serialized single-line writes. The
// runner does not interpret lines; that is the interceptor's job.
type Runner struct {
	logger *slog.Logger
	tabID  string

	// ctx bounds the subprocess; cancelled by Close or by the session
	// releasing the agent.
	ctx    context.Context
	cancel context.CancelFunc
	cmd    *exec.Cmd

	lines chan json.RawMessage

	// stdinMu serializes stdin writes so control responses never interleave
	// with user turns mid-line.
	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	closeOnce sync.Once
}

// Lines yields raw stdout lines in order. The channel closes when the
// subprocess exits.
func (r *Runner) Lines() <-chan json.RawMessage {
	return r.lines
}

// WriteLine marshals v and writes it to stdin as one newline-terminated line.
func (r *Runner) WriteLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stdin message: %w", err)
	}

	r.stdinMu.Lock()
	defer r.stdinMu.Unlock()
	if r.stdinClosed || r.stdin == nil {
		return ErrProcessExited
	}
	if _, err := r.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write subprocess stdin: %w", err)
	}
	return nil
}

// Close terminates the subprocess: stdin EOF first so the CLI can exit on
// its own, then context cancellation (SIGTERM, and SIGKILL after the wait
// delay). Safe to call more than once.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		r.stdinMu.Lock()
		r.stdinClosed = true
		if r.stdin != nil {
			_ = r.stdin.Close()
		}
		r.stdinMu.Unlock()
		r.cancel()
	})
	return nil
}

// readLoop drains stdout line by line until EOF and reaps the process. It is
// the only writer to the lines channel.
func (r *Runner) readLoop(stdout io.Reader) {
	defer close(r.lines)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer across lines.
		dup := make(json.RawMessage, len(line))
		copy(dup, line)
		r.lines <- dup
	}
	if err := scanner.Err(); err != nil {
		r.logger.Warn("Subprocess stdout read failed", "tab_id", r.tabID, "error", err)
	}

	r.stdinMu.Lock()
	r.stdinClosed = true
	r.stdinMu.Unlock()

	err := r.cmd.Wait()
	if err != nil && r.ctx.Err() == nil {
		r.logger.Warn("Subprocess exited with error", "tab_id", r.tabID, "error", err)
	} else {
		r.logger.Info("Subprocess exited", "tab_id", r.tabID)
	}
}
