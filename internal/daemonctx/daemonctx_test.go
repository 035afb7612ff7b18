// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package daemonctx

import (
	"context"
	"testing"
	"time"
)

func TestExitCodeCleanShutdown(t *testing.T) {
	c := &Context{}
	if c.ExitCode() != 0 {
		t.Errorf("expected exit code 0 with no restart requested, got %d", c.ExitCode())
	}
}

func TestExitCodeAfterRestartRequested(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Context{ctx: ctx, cancel: cancel}
	c.RequestRestart()
	if c.ExitCode() != 1 {
		t.Errorf("expected exit code 1 after restart requested, got %d", c.ExitCode())
	}
	if c.Context().Err() == nil {
		t.Error("expected RequestRestart to cancel the context")
	}
}

func TestWaitForKernelModuleReturnsImmediatelyWhenPresent(t *testing.T) {
	ok := WaitForKernelModule(context.Background(), func() bool { return true })
	if !ok {
		t.Error("expected immediate success when dirExists is already true")
	}
}

func TestWaitForKernelModuleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := WaitForKernelModule(ctx, func() bool { return false })
	if ok {
		t.Error("expected false when context is already cancelled")
	}
}

type fakeChecker struct {
	reloaded bool
}

func (f *fakeChecker) Reloaded() bool { return f.reloaded }

func TestReloadWatchdogRequestsRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dctx := &Context{ctx: ctx, cancel: cancel}
	checker := &fakeChecker{reloaded: true}
	w := NewReloadWatchdog(checker, dctx)

	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not observe reload in time")
	}
	if dctx.ExitCode() != 1 {
		t.Error("expected watchdog to request restart, exit code should be 1")
	}
}

func TestReloadWatchdogStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dctx := &Context{ctx: ctx, cancel: cancel}
	checker := &fakeChecker{reloaded: false}
	w := NewReloadWatchdog(checker, dctx)

	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop after context cancellation")
	}
}
