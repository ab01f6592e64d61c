// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher reloads the domain policy when the domain file changes.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/policy"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

// Reload outcomes passed to Recorder.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeMissing   = "missing"
	OutcomeError     = "error"
)

// Loader produces the merged policy. *policy.Store implements it.
type Loader interface {
	Path() string
	Defaults() policy.DomainPolicy
	Load() (policy.DomainPolicy, *util.PolicyLoadWarning, error)
}

// Recorder receives reload outcomes.
type Recorder interface {
	ObservePolicyReload(outcome string)
}

// Options configures a Watcher.
type Options struct {
	Loader Loader

	// Initial is the policy already in effect.
	Initial policy.DomainPolicy

	// Interval between stat polls. Default 2s, floor 100ms.
	Interval time.Duration

	// OnChange receives every policy that differs from the previous one.
	// It is called from Run's goroutine.
	OnChange func(ctx context.Context, p policy.DomainPolicy)

	Recorder Recorder
	Logger   *slog.Logger
}

// fileState is what a poll compares.
type fileState struct {
	exists  bool
	modTime time.Time
	size    int64
}

// Watcher detects edits to the domain file.
//
// # Description
//
// The file's modification time and size are polled every Interval. A
// filesystem notification on the parent directory triggers an immediate
// poll; if notifications are unavailable the watcher keeps polling. The
// directory, not the file, is watched so editors that replace the file
// by rename are still seen.
//
// A detected change reloads the policy through the Loader and compares
// it with the current one. OnChange fires only when the policy differs.
// A deleted file falls back to the defaults.
//
// # Thread Safety
//
// Run must be called once. All state is owned by Run's goroutine.
type Watcher struct {
	opts    Options
	logger  *slog.Logger
	current policy.DomainPolicy
	last    fileState
}

// New creates a Watcher.
func New(opts Options) *Watcher {
	opts.Interval = util.EnforceMinTimeout(
		util.EnforceDefaultTimeout(opts.Interval, util.DefaultPollInterval), util.MinPollInterval)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		opts:    opts,
		logger:  logger.With("component", "watcher", "path", opts.Loader.Path()),
		current: opts.Initial,
	}
}

// Run watches until ctx is cancelled. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	path := w.opts.Loader.Path()
	if path == "" {
		w.logger.Debug("no domain file configured, watcher idle")
		<-ctx.Done()
		return nil
	}

	w.last = stat(path)

	var events <-chan fsnotify.Event
	var errs <-chan error
	if fw, err := fsnotify.NewWatcher(); err != nil {
		w.logger.Warn("file notifications unavailable, polling only", "error", err)
	} else {
		defer fw.Close()
		if err := fw.Add(filepath.Dir(path)); err != nil {
			w.logger.Warn("cannot watch domain file directory, polling only", "error", err)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.logger.Info("watching domain file", "interval", w.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) {
				w.poll(ctx)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("file notification error", "error", err)
		}
	}
}

// poll reloads the policy if the file changed since the last poll. A
// failed load leaves the recorded file state alone so the next poll
// retries the same content.
func (w *Watcher) poll(ctx context.Context) {
	now := stat(w.opts.Loader.Path())
	if now == w.last {
		return
	}
	if w.reload(ctx) {
		w.last = now
	}
}

// reload reports false when the file could not be read.
func (w *Watcher) reload(ctx context.Context) bool {
	next, _, err := w.opts.Loader.Load()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		w.logger.Warn("domain file removed, using built-in domains only")
		w.record(OutcomeMissing)
	case err != nil:
		w.logger.Error("domain file reload failed, keeping current policy", "error", err)
		w.record(OutcomeError)
		return false
	}

	if !policy.Diff(w.current, next) {
		w.logger.Debug("domain file touched, policy unchanged")
		if err == nil {
			w.record(OutcomeUnchanged)
		}
		return true
	}
	w.current = next
	if err == nil {
		w.record(OutcomeChanged)
	}
	w.logger.Info("domain policy changed", "domains", next.Len())
	if w.opts.OnChange != nil {
		w.opts.OnChange(ctx, next)
	}
	return true
}

func (w *Watcher) record(outcome string) {
	if w.opts.Recorder != nil {
		w.opts.Recorder.ObservePolicyReload(outcome)
	}
}

func stat(path string) fileState {
	info, err := os.Stat(path)
	if err != nil {
		return fileState{}
	}
	return fileState{exists: true, modTime: info.ModTime(), size: info.Size()}
}
