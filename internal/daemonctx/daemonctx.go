// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package daemonctx implements process lifecycle (C8): signal handling,
// the kernel-module-present wait, kernel-module-reload detection, the
// supervised service tree, and the daemon's exit-code contract.
//
// The root context, the restart flag, and the root supervisor are carried
// inside a single Context struct constructed once in main and passed
// explicitly to the components that need them. The process-log writer is
// not part of it: it is the one package-level accessor (logutil),
// matching the teacher's own convention.
package daemonctx

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/deepin-community/anything-logger/internal/logutil"
)

var l = logutil.RegisterPackage("daemonctx", "process lifecycle")

// watchdogInterval is the 3 Hz polling rate for kernel-module-reload
// detection.
const watchdogInterval = 333 * time.Millisecond

// moduleWaitInterval is the 1 Hz polling rate while waiting for the
// kernel control directory to appear at startup.
const moduleWaitInterval = time.Second

// ReloadChecker is implemented by kernelctl.Conn; it is the sole
// dependency the watchdog has on the kernel control channel.
type ReloadChecker interface {
	Reloaded() bool
}

// Context bundles the process-wide state threaded through every
// component constructor: the root cancellable context and the restart
// flag that determines the daemon's exit code.
type Context struct {
	ctx     context.Context
	cancel  context.CancelFunc
	restart atomic.Bool
	Super   *suture.Supervisor
}

// New installs SIGINT/SIGTERM handlers (each cancelling the returned
// Context) and constructs an empty root supervisor.
func New() *Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Context{
		ctx:    ctx,
		cancel: cancel,
		Super:  suture.New("anything-logger", suture.Spec{}),
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			l.Infof("received signal %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return c
}

// Context returns the root context; it is cancelled on SIGINT/SIGTERM or
// by RequestRestart.
func (c *Context) Context() context.Context {
	return c.ctx
}

// RequestRestart flips the restart flag and cancels the root context. It
// is called by the reload watchdog, and may also be called directly by a
// component that detects an unrecoverable condition (e.g. the sink's
// rotation failure path).
func (c *Context) RequestRestart() {
	c.restart.Store(true)
	c.cancel()
}

// ExitCode returns the process exit code required by this shutdown: 1 if
// a restart was requested, 0 for a clean shutdown.
func (c *Context) ExitCode() int {
	if c.restart.Load() {
		return 1
	}
	return 0
}

// WaitForKernelModule polls (1 Hz) until dirExists reports true or ctx is
// cancelled, returning false in the latter case.
func WaitForKernelModule(ctx context.Context, dirExists func() bool) bool {
	if dirExists() {
		return true
	}
	t := time.NewTicker(moduleWaitInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if dirExists() {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

// reloadWatchdog is a suture.Service that polls a ReloadChecker at 3 Hz
// and requests a restart the moment it reports a reload.
type reloadWatchdog struct {
	checker ReloadChecker
	dctx    *Context
}

// NewReloadWatchdog returns a suture.Service to add to the root
// supervisor; it calls dctx.RequestRestart as soon as checker reports a
// reload.
func NewReloadWatchdog(checker ReloadChecker, dctx *Context) suture.Service {
	return &reloadWatchdog{checker: checker, dctx: dctx}
}

func (w *reloadWatchdog) Serve(ctx context.Context) error {
	t := time.NewTicker(watchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if w.checker.Reloaded() {
				l.Warnf("kernel module reload detected, requesting restart")
				w.dctx.RequestRestart()
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
