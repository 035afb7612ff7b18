// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command anything-logger is the privileged filesystem-activity logging
// daemon: it consumes kernel VFS multicast notifications, correlates
// rename pairs, filters by dynamic policy, and appends the result to a
// rotating gzip-compressed CSV journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/deepin-community/anything-logger/internal/configcache"
	"github.com/deepin-community/anything-logger/internal/daemonctx"
	"github.com/deepin-community/anything-logger/internal/kernelctl"
	"github.com/deepin-community/anything-logger/internal/listener"
	"github.com/deepin-community/anything-logger/internal/logsink"
	"github.com/deepin-community/anything-logger/internal/logutil"
	"github.com/deepin-community/anything-logger/internal/mounttracker"
	"github.com/deepin-community/anything-logger/internal/worker"
)

var l = logutil.NewAdapter("main entrypoint")

const (
	defaultLogPath = "/var/log/deepin-anything-logger/events.csv"
	defaultCtlDir  = "/sys/kernel/deepin_anything/ctl"
)

// trackedFSTypes is the operator-configured set of filesystem types the
// mount tracker republishes unnamed-device minors for.
var trackedFSTypes = []string{"overlay", "btrfs", "fuse.dlnfs", "ulnfs"}

func main() {
	logPath := flag.String("log-path", defaultLogPath, "override the event journal path")
	ctlDir := flag.String("ctl-dir", defaultCtlDir, "override the kernel module control directory")
	foreground := flag.Bool("foreground", false, "run in the foreground instead of as a background daemon")
	flag.Parse()
	_ = foreground // process daemonization is handled by the service supervisor outside this binary

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "anything-logger: must run as root")
		os.Exit(1)
	}

	os.Exit(run(*logPath, *ctlDir))
}

func run(logPath, ctlDir string) int {
	dctx := daemonctx.New()
	ctx := dctx.Context()

	if !daemonctx.WaitForKernelModule(ctx, func() bool {
		_, err := os.Stat(ctlDir)
		return err == nil
	}) {
		l.Infoln("shutting down while waiting for kernel module")
		return dctx.ExitCode()
	}

	cfg, err := configcache.New(ctx)
	if err != nil {
		l.Warnf("failed to start config cache: %v", err)
		return 1
	}

	mask := cfg.GetUint(configcache.KeyLogEventsType)
	if !cfg.GetBool(configcache.KeyLogEvents) {
		mask = 0
	}
	logutil.SetDebug(cfg.GetBool(configcache.KeyPrintDebugLog))

	sink, err := logsink.New(logPath, int(cfg.GetUint(configcache.KeyLogFileSize)), int(cfg.GetUint(configcache.KeyLogFileCount)))
	if err != nil {
		l.Warnf("failed to construct log sink: %v", err)
		return 1
	}

	wk := worker.New(sink, mask, dctx.RequestRestart)

	conn, err := kernelctl.Dial(ctlDir)
	if err != nil {
		l.Warnf("failed to dial kernel control channel: %v", err)
		return 1
	}
	defer conn.Close()
	if err := conn.SetEventMask(mask); err != nil {
		l.Warnf("failed to publish initial event mask: %v", err)
	}
	if err := conn.SetMergeDisabled(cfg.GetBool(configcache.KeyDisableEventMerge)); err != nil {
		l.Warnf("failed to publish initial merge flag: %v", err)
	}

	ls := listener.New(conn, wk.Push, mask)
	ls.SetMergeDisabled(cfg.GetBool(configcache.KeyDisableEventMerge))

	tracker, err := mounttracker.New(trackedFSTypes, conn)
	if err != nil {
		l.Warnf("failed to start mount tracker: %v", err)
		return 1
	}

	cfg.AddHandler(configcache.HandlerFunc(func(key string, value any) {
		switch key {
		case configcache.KeyLogEvents, configcache.KeyLogEventsType:
			newMask := cfg.GetUint(configcache.KeyLogEventsType)
			if !cfg.GetBool(configcache.KeyLogEvents) {
				newMask = 0
			}
			wk.SetMask(newMask)
			ls.SetMask(newMask)
			if err := conn.SetEventMask(newMask); err != nil {
				l.Warnf("failed to republish event mask: %v", err)
			}
		case configcache.KeyDisableEventMerge:
			disabled, _ := value.(bool)
			ls.SetMergeDisabled(disabled)
			if err := conn.SetMergeDisabled(disabled); err != nil {
				l.Warnf("failed to republish merge flag: %v", err)
			}
		case configcache.KeyPrintDebugLog:
			enabled, _ := value.(bool)
			logutil.SetDebug(enabled)
		}
	}))

	dctx.Super.Add(ls)
	dctx.Super.Add(wk)
	dctx.Super.Add(tracker)
	dctx.Super.Add(daemonctx.NewReloadWatchdog(conn, dctx))

	superDone := make(chan error, 1)
	go func() { superDone <- dctx.Super.Serve(ctx) }()

	<-ctx.Done()

	// The listener's Serve loop only checks ctx between calls to the
	// blocking conn.Receive(); closing the kernel socket here unblocks
	// that read with an error so Serve can observe ctx.Done() and return
	// promptly, instead of waiting for the next kernel frame.
	if err := conn.Close(); err != nil {
		l.Warnf("error closing kernel control channel: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-superDone:
	case <-shutdownCtx.Done():
		l.Warnf("supervisor did not stop within grace period, proceeding with shutdown anyway")
	}

	// Every service added to the supervisor above, including the
	// listener, has now returned, so no more Push calls can race
	// Worker.Stop below.
	stopInOrder(wk, sink, cfg)

	return dctx.ExitCode()
}

// stopInOrder enforces the strict shutdown sequence required by the
// design: worker, then sink, then config last. The listener has already
// stopped by the time this runs (see run). Config is released last so
// nothing upstream can observe a torn-down cache while it is still
// shutting down.
func stopInOrder(wk *worker.Worker, sink *logsink.Sink, cfg *configcache.Cache) {
	wk.Stop()
	if err := sink.Stop(); err != nil {
		l.Warnf("error closing log sink: %v", err)
	}
	if err := cfg.Close(); err != nil {
		l.Warnf("error closing config cache: %v", err)
	}
}
