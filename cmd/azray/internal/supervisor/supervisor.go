// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor owns the lifecycle of the local proxy process.
//
// # Description
//
// The supervisor writes a configuration document to disk, launches the
// proxy with it and tracks the process until it exits. There is no
// in-place reconfiguration: applying a new document is always Stop then
// Start. A process that dies during its grace window is a launch failure;
// one that dies later is reported through the OnExit sink.
//
// The supervisor contains no policy. It never restarts anything on its
// own; deciding what to do about an exit is the orchestrator's job.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/synth"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

var tracer = otel.Tracer("azray.supervisor")

// ErrAlreadyRunning is returned by Start when a process is running.
var ErrAlreadyRunning = errors.New("proxy process already running")

const (
	defaultConfigName = "client.json"
	stderrTailLines   = 20
	killWait          = 2 * time.Second
)

// ExitEvent reports an unexpected exit of a supervised process.
type ExitEvent struct {
	Generation uint64
	ExitCode   int
	Err        error
	Stderr     string
}

// Process describes the supervised process.
type Process struct {
	PID        int
	Generation uint64
	Digest     string
	ConfigPath string
	StartedAt  time.Time
	Running    bool
}

// Options configures a Supervisor.
type Options struct {
	// Binary is the proxy executable. Default "v2ray".
	Binary string

	// Args builds the argument list for a config path. Default
	// "run -c <path>".
	Args func(configPath string) []string

	// StateDir receives the configuration document.
	StateDir string

	// ConfigName is the document file name. Default "client.json".
	ConfigName string

	// AssetDir, when set, is exported as V2RAY_LOCATION_ASSET.
	AssetDir string

	// GraceWindow is how long a new process must survive. Default 2s.
	GraceWindow time.Duration

	// StopTimeout bounds the wait after SIGTERM. Default 10s.
	StopTimeout time.Duration

	// OnExit receives unexpected exits. It is called from the goroutine
	// that waited for the process and must not block.
	OnExit func(ExitEvent)

	Launcher Launcher
	Logger   *slog.Logger
}

// Supervisor runs one proxy process at a time.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Start, Stop and Restart are
// serialized; IsRunning and Current never block on them.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	// opMu serializes Start, Stop and Restart.
	opMu sync.Mutex

	mu         sync.Mutex
	proc       *running
	generation uint64
}

// running is one launched process.
type running struct {
	handle    Handle
	gen       uint64
	digest    string
	path      string
	startedAt time.Time
	tail      *util.RingBuffer[string]

	done     chan struct{}
	decided  chan struct{}
	exitCode int
	waitErr  error

	armed    atomic.Bool
	stopping atomic.Bool
}

func (r *running) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// New creates a Supervisor with defaults applied.
func New(opts Options) *Supervisor {
	if opts.Binary == "" {
		opts.Binary = "v2ray"
	}
	if opts.Args == nil {
		opts.Args = func(path string) []string { return []string{"run", "-c", path} }
	}
	if opts.ConfigName == "" {
		opts.ConfigName = defaultConfigName
	}
	if opts.StateDir == "" {
		opts.StateDir = filepath.Join(os.TempDir(), "azray")
	}
	opts.GraceWindow = util.EnforceMinTimeout(
		util.EnforceDefaultTimeout(opts.GraceWindow, util.DefaultGraceWindow), util.MinGraceWindow)
	opts.StopTimeout = util.EnforceDefaultTimeout(opts.StopTimeout, util.DefaultStopTimeout)
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{opts: opts, logger: logger.With("component", "supervisor")}
}

// Start writes doc and launches the proxy with it.
//
// # Description
//
// The document is written atomically (temp file, then rename) so the
// proxy never reads a partial file. Start returns once the process has
// survived the grace window.
//
// # Outputs
//
//   - error: ErrAlreadyRunning; *util.LaunchError when the executable
//     cannot be started or exits inside the grace window (carrying its
//     exit code and stderr tail); the context error if ctx ends first
//     (the process is then stopped)
func (s *Supervisor) Start(ctx context.Context, doc *synth.Document) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx, doc)
}

func (s *Supervisor) start(ctx context.Context, doc *synth.Document) error {
	ctx, span := tracer.Start(ctx, "supervisor.Start")
	defer span.End()

	s.mu.Lock()
	if s.proc != nil && !s.proc.exited() {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	path := filepath.Join(s.opts.StateDir, s.opts.ConfigName)
	if err := writeAtomic(path, doc.Bytes()); err != nil {
		launchErr := util.NewLaunchError(s.opts.Binary, -1, "", fmt.Errorf("write config: %w", err))
		span.RecordError(launchErr)
		span.SetStatus(codes.Error, "write config failed")
		return launchErr
	}

	r := &running{
		digest:  doc.Digest(),
		path:    path,
		tail:    util.NewRingBuffer[string](stderrTailLines),
		done:    make(chan struct{}),
		decided: make(chan struct{}),
	}
	stderr := &lineWriter{onLine: func(line string) {
		r.tail.Push(line)
		s.logger.Debug("proxy stderr", "line", line)
	}}
	stdout := &lineWriter{onLine: func(line string) {
		s.logger.Debug("proxy stdout", "line", line)
	}}

	handle, err := s.opts.Launcher.Launch(Command{
		Path:   s.opts.Binary,
		Args:   s.opts.Args(path),
		Env:    s.environment(),
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		launchErr := util.NewLaunchError(s.opts.Binary, -1, "", err)
		span.RecordError(launchErr)
		span.SetStatus(codes.Error, "launch failed")
		return launchErr
	}

	s.mu.Lock()
	s.generation++
	r.gen = s.generation
	r.handle = handle
	r.startedAt = time.Now()
	s.proc = r
	s.mu.Unlock()

	span.SetAttributes(
		attribute.Int("azray.pid", handle.Pid()),
		attribute.Int64("azray.generation", int64(r.gen)),
	)
	go s.wait(r, stderr, stdout)

	timer := time.NewTimer(s.opts.GraceWindow)
	defer timer.Stop()
	select {
	case <-r.done:
		close(r.decided)
		launchErr := util.NewLaunchError(s.opts.Binary, r.exitCode, strings.Join(r.tail.Snapshot(), "\n"), r.waitErr)
		s.logger.Error("proxy exited during grace window",
			"generation", r.gen,
			"exit_code", r.exitCode,
			"stderr", launchErr.Stderr,
		)
		span.RecordError(launchErr)
		span.SetStatus(codes.Error, "exited during grace window")
		return launchErr
	case <-ctx.Done():
		close(r.decided)
		s.terminate(context.Background(), r)
		return ctx.Err()
	case <-timer.C:
		r.armed.Store(true)
		close(r.decided)
	}

	s.logger.Info("proxy started",
		"pid", handle.Pid(),
		"generation", r.gen,
		"config", path,
		"digest", r.digest[:12],
	)
	return nil
}

// wait reaps the process and reports an unexpected exit.
func (s *Supervisor) wait(r *running, stderr, stdout *lineWriter) {
	defer util.RecoverPanic(func(p *util.PanicError) {
		s.logger.Error("exit watcher panicked", "panic", p.Value, "stack", p.Stack)
	})()

	code, err := r.handle.Wait()
	stderr.Flush()
	stdout.Flush()
	r.exitCode = code
	r.waitErr = err
	close(r.done)

	<-r.decided
	if !r.armed.Load() || r.stopping.Load() {
		return
	}
	tail := strings.Join(r.tail.Snapshot(), "\n")
	s.logger.Warn("proxy exited unexpectedly",
		"generation", r.gen,
		"exit_code", code,
		"stderr", tail,
	)
	if s.opts.OnExit != nil {
		s.opts.OnExit(ExitEvent{Generation: r.gen, ExitCode: code, Err: err, Stderr: tail})
	}
}

// Stop terminates the running process, if any.
//
// # Description
//
// Sends SIGTERM to the process group, waits up to StopTimeout, then
// sends SIGKILL. Stopping an already exited process is a no-op. The exit
// caused by Stop is never reported through OnExit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(ctx)
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.proc
	s.proc = nil
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	return s.terminate(ctx, r)
}

func (s *Supervisor) terminate(ctx context.Context, r *running) error {
	r.stopping.Store(true)
	if r.exited() {
		return nil
	}
	_, span := tracer.Start(ctx, "supervisor.Stop", trace.WithAttributes(
		attribute.Int64("azray.generation", int64(r.gen)),
	))
	defer span.End()

	if err := r.handle.Signal(syscall.SIGTERM); err != nil {
		s.logger.Warn("sigterm failed", "generation", r.gen, "error", err)
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
		s.logger.Info("proxy stopped", "generation", r.gen, "exit_code", r.exitCode)
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}

	s.logger.Warn("proxy did not stop in time, killing", "generation", r.gen)
	span.AddEvent("sigkill")
	if err := r.handle.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill proxy: %w", err)
	}
	select {
	case <-r.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("proxy generation %d did not exit after SIGKILL", r.gen)
	}
}

// Restart stops the running process and starts a new one with doc.
func (s *Supervisor) Restart(ctx context.Context, doc *synth.Document) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.stop(ctx); err != nil {
		return err
	}
	return s.start(ctx, doc)
}

// IsRunning reports whether a started process is still alive.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && !s.proc.exited()
}

// Current describes the supervised process. ok is false when none was
// started or it has been stopped.
func (s *Supervisor) Current() (Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.proc
	if r == nil {
		return Process{}, false
	}
	return Process{
		PID:        r.handle.Pid(),
		Generation: r.gen,
		Digest:     r.digest,
		ConfigPath: r.path,
		StartedAt:  r.startedAt,
		Running:    !r.exited(),
	}, true
}

func (s *Supervisor) environment() []string {
	env := os.Environ()
	if s.opts.AssetDir != "" {
		env = append(env, "V2RAY_LOCATION_ASSET="+s.opts.AssetDir)
	}
	return env
}

// writeAtomic replaces path with data through a temp file in the same
// directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".azray-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	onLine func(string)

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.emit(line)
	}
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		sc := bufio.NewScanner(&w.buf)
		for sc.Scan() {
			w.emit(sc.Text())
		}
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line != "" {
		w.onLine(line)
	}
}
