// Package executor runs shell commands for the tool layer.
//
// Commands go through the platform shell (sh -c, cmd /C on Windows) with a
// wall-clock timeout and a 10 MB ceiling per output stream. A pattern denylist
// rejects a handful of destructive commands before anything is spawned; it is
// best-effort and not a security boundary.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"ochat/config"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultStreamTimeout = 60 * time.Second
	MaxOutputBytes       = 10 << 20
	DefaultMaxHistory    = 1000

	waitDelay = 2 * time.Second
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"

	ModeBuffered  = "buffered"
	ModeStreaming = "streaming"
)

var ErrOutputLimit = errors.New("command output exceeded 10 MB limit")

// TimeoutError is returned when a command outlives its timeout. The process
// (and its process group where supported) has been killed.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, e.Command)
}

type Options struct {
	Timeout time.Duration
	Dir     string
}

// Result is the outcome of a command that ran. A non-zero ExitCode is not an
// error; callers inspect it.
type Result struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Chunk is a piece of output delivered in streaming mode.
type Chunk struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// Record is one entry of the executor history.
type Record struct {
	Command   string
	Dir       string
	Mode      string
	StartedAt time.Time
	Elapsed   time.Duration
	Result    *Result
	Err       string
}

// Recorder receives every Record, e.g. for a persistent audit trail.
type Recorder interface {
	RecordCommand(Record)
}

type Executor struct {
	timeout       time.Duration
	streamTimeout time.Duration
	maxHistory    int
	recorder      Recorder

	mu      sync.Mutex
	history []Record

	spawned atomic.Int64
}

type Option func(*Executor)

func WithTimeouts(buffered, streamed time.Duration) Option {
	return func(e *Executor) {
		if buffered > 0 {
			e.timeout = buffered
		}
		if streamed > 0 {
			e.streamTimeout = streamed
		}
	}
}

// WithMaxHistory caps the in-memory history; n <= 0 keeps it unbounded.
func WithMaxHistory(n int) Option {
	return func(e *Executor) { e.maxHistory = n }
}

func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

func New(opts ...Option) *Executor {
	e := &Executor{
		timeout:       DefaultTimeout,
		streamTimeout: DefaultStreamTimeout,
		maxHistory:    DefaultMaxHistory,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes command and returns its buffered output.
func (e *Executor) Run(ctx context.Context, command string, opts Options) (*Result, error) {
	return e.run(ctx, command, opts, ModeBuffered, nil)
}

// RunStreaming executes command, calling onChunk as output arrives. Calls to
// onChunk are serialized. It returns once the process has exited and both
// streams are drained.
func (e *Executor) RunStreaming(ctx context.Context, command string, opts Options, onChunk func(Chunk)) (*Result, error) {
	return e.run(ctx, command, opts, ModeStreaming, onChunk)
}

// History returns a copy of the recorded invocations, oldest first.
func (e *Executor) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Record, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Executor) run(ctx context.Context, command string, opts Options, mode string, onChunk func(Chunk)) (*Result, error) {
	started := time.Now()
	res, err := e.execute(ctx, command, opts, mode, onChunk)

	rec := Record{
		Command:   command,
		Dir:       opts.Dir,
		Mode:      mode,
		StartedAt: started,
		Elapsed:   time.Since(started),
		Result:    res,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	e.record(rec)

	if err != nil {
		config.DebugLog.Debug().Str("command", command).Str("mode", mode).Err(err).Msg("command failed")
	} else {
		config.DebugLog.Debug().Str("command", command).Str("mode", mode).Int("exit_code", res.ExitCode).
			Dur("elapsed", res.Elapsed).Msg("command finished")
	}
	return res, err
}

func (e *Executor) record(rec Record) {
	e.mu.Lock()
	e.history = append(e.history, rec)
	if e.maxHistory > 0 && len(e.history) > e.maxHistory {
		e.history = append([]Record(nil), e.history[len(e.history)-e.maxHistory:]...)
	}
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.RecordCommand(rec)
	}
}

func (e *Executor) execute(ctx context.Context, command string, opts Options, mode string, onChunk func(Chunk)) (*Result, error) {
	if err := CheckCommand(command); err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.timeout
		if mode == ModeStreaming {
			timeout = e.streamTimeout
		}
	}

	limitCtx, abort := context.WithCancel(ctx)
	defer abort()
	runCtx, cancel := context.WithTimeout(limitCtx, timeout)
	defer cancel()

	var overflowed atomic.Bool
	onOverflow := func() {
		overflowed.Store(true)
		abort()
	}

	var mu sync.Mutex
	stdout := &outputBuffer{mu: &mu, stream: StreamStdout, limit: MaxOutputBytes, onChunk: onChunk, overflow: onOverflow}
	stderr := &outputBuffer{mu: &mu, stream: StreamStderr, limit: MaxOutputBytes, onChunk: onChunk, overflow: onOverflow}

	cmd := shellCommand(runCtx, command)
	cmd.Dir = opts.Dir
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		// Nothing written after the kill may reach the result.
		stdout.seal()
		stderr.seal()
		return killProcess(cmd)
	}
	cmd.WaitDelay = waitDelay

	started := time.Now()
	var waitErr error
	if mode == ModeStreaming {
		waitErr = e.startAndPump(cmd, stdout, stderr)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		e.spawned.Add(1)
		waitErr = cmd.Run()
	}

	res := &Result{
		Command:  command,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(cmd),
		Elapsed:  time.Since(started),
	}

	if overflowed.Load() {
		return res, fmt.Errorf("%w: %s", ErrOutputLimit, command)
	}
	if waitErr == nil {
		return res, nil
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return res, &TimeoutError{Command: command, Timeout: timeout}
	case ctx.Err() != nil:
		return res, fmt.Errorf("command cancelled: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return res, nil
	}
	return nil, fmt.Errorf("failed to run command: %w", waitErr)
}

// startAndPump starts cmd with pipes and copies both streams until EOF before
// waiting on the process.
func (e *Executor) startAndPump(cmd *exec.Cmd, stdout, stderr *outputBuffer) error {
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	e.spawned.Add(1)
	if err := cmd.Start(); err != nil {
		return err
	}

	var wg conc.WaitGroup
	wg.Go(func() { pump(outPipe, stdout) })
	wg.Go(func() { pump(errPipe, stderr) })
	wg.Wait()

	return cmd.Wait()
}

func pump(r io.Reader, w io.Writer) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "sh", "-c", command)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// outputBuffer collects one stream up to limit bytes. The mutex is shared
// between stdout and stderr so chunk callbacks never run concurrently.
type outputBuffer struct {
	mu       *sync.Mutex
	buf      bytes.Buffer
	stream   string
	limit    int
	sealed   bool
	onChunk  func(Chunk)
	overflow func()
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sealed {
		return len(p), nil
	}

	data := p
	if room := b.limit - b.buf.Len(); len(data) > room {
		data = data[:room]
		b.sealed = true
		b.overflow()
	}
	b.buf.Write(data)

	if b.onChunk != nil && len(data) > 0 {
		b.onChunk(Chunk{Stream: b.stream, Text: string(data)})
	}
	return len(p), nil
}

func (b *outputBuffer) seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
