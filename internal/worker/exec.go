package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"streamvisor/internal/observability/logging"
)

const (
	defaultTailBytes = 16 << 10
	defaultWaitDelay = 2 * time.Second
)

// ExecSpawner runs workers as OS processes in their own process group.
type ExecSpawner struct {
	Logger *slog.Logger
	// TailBytes bounds the stderr kept for diagnostics.
	TailBytes int
	// WaitDelay bounds how long output copying may outlive the process.
	WaitDelay time.Duration
}

func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Binary) == "" {
		return nil, errors.New("worker binary is required")
	}
	logger := s.Logger
	if logger == nil {
		logger = logging.New(logging.Config{Level: "info"})
	}
	logger = logger.With("stream_id", spec.ID)

	tailBytes := s.TailBytes
	if tailBytes <= 0 {
		tailBytes = defaultTailBytes
	}
	waitDelay := s.WaitDelay
	if waitDelay <= 0 {
		waitDelay = defaultWaitDelay
	}

	// The worker must outlive the request that started it, so no CommandContext.
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	tail := newTailBuffer(tailBytes)
	stdout := logging.NewLineWriter(logger, "stdout")
	stderr := logging.NewLineWriter(logger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = io.MultiWriter(tail, stderr)
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}

	p := &process{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now().UTC(),
		tail:      tail,
		done:      make(chan struct{}),
		logger:    logger,
		outputs:   []*logging.LineWriter{stdout, stderr},
	}
	logger.Info("worker started", "pid", p.pid, "binary", spec.Binary)
	go p.wait()
	return p, nil
}

type process struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	tail      *tailBuffer
	logger    *slog.Logger
	outputs   []*logging.LineWriter

	done chan struct{}
	mu   sync.Mutex
	exit Exit
}

func (p *process) wait() {
	err := p.cmd.Wait()
	for _, w := range p.outputs {
		w.Flush()
	}
	exit := exitFromWait(err)
	p.mu.Lock()
	p.exit = exit
	p.mu.Unlock()
	close(p.done)
	if exit.Clean() {
		p.logger.Info("worker exited", "pid", p.pid)
	} else {
		p.logger.Warn("worker exited", "pid", p.pid, "exit", exit.String())
	}
}

func exitFromWait(err error) Exit {
	if err == nil {
		return Exit{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return Exit{Code: -1, Err: err}
	}
	exit := Exit{Code: exitErr.ExitCode()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		exit.Signal = status.Signal().String()
	}
	return exit
}

func (p *process) PID() int { return p.pid }

func (p *process) StartedAt() time.Time { return p.startedAt }

func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Poll() (Exit, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exit, true
	default:
		return Exit{}, false
	}
}

func (p *process) Terminate() error {
	if _, exited := p.Poll(); exited {
		return nil
	}
	return terminateGroup(p.cmd)
}

func (p *process) Kill() error {
	if _, exited := p.Poll(); exited {
		return nil
	}
	return killGroup(p.cmd)
}

func (p *process) Diagnostics() string {
	return p.tail.String()
}
