// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package worker implements the event-processing stage of the pipeline
// (C3): it owns a bounded queue of fsevent.FileEvent, correlates rename
// pairs by cookie, formats CSV lines, and hands them to a Sink.
//
// The rename pending map has no timeout or bound. This is deliberate: a
// slow rename-to is exactly the condition the map exists to tolerate, and
// adding a TTL would silently drop in-flight renames under that same
// condition. Entries are freed only when a later rename event carries the
// same cookie (a matching rename-to emits a line; any other kind drops
// both) or by worker shutdown.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepin-community/anything-logger/internal/fsevent"
	"github.com/deepin-community/anything-logger/internal/logsink"
	"github.com/deepin-community/anything-logger/internal/logutil"
)

var l = logutil.RegisterPackage("worker", "event-processing worker")

// Sink is the downstream consumer of formatted CSV lines, implemented by
// logsink.Sink. It is a narrow interface so the worker can be tested
// without a real rotating file.
type Sink interface {
	WriteLine(line string) error
}

// queueDepth bounds the number of in-flight events the listener may hand
// to the worker before new events are dropped with a warning.
const queueDepth = 4096

// Worker consumes FileEvents pushed by the listener (C2), correlates
// rename pairs, and emits CSV lines to a Sink. The pending rename map is
// owned exclusively by the worker's run goroutine; no synchronization is
// needed around it.
type Worker struct {
	sink     Sink
	mask     atomic.Uint32
	onFatal  func()
	events   chan fsevent.FileEvent
	pending  map[uint32]fsevent.FileEvent
	done     chan struct{}
	stopOnce sync.Once
}

// New constructs a Worker writing accepted events to sink, gated by the
// initial action mask (see SetMask for runtime reconfiguration). onFatal,
// if non-nil, is called once when the sink reports a permanently-failed
// rotation (logsink.ErrRotationFailed) — the only write-path failure that
// escalates to a supervised restart rather than a logged warning. It is
// typically daemonctx.Context.RequestRestart.
func New(sink Sink, mask uint32, onFatal func()) *Worker {
	w := &Worker{
		sink:    sink,
		onFatal: onFatal,
		events:  make(chan fsevent.FileEvent, queueDepth),
		pending: make(map[uint32]fsevent.FileEvent),
		done:    make(chan struct{}),
	}
	w.mask.Store(mask)
	return w
}

// SetMask updates the action mask applied to non-rename events and to the
// rename-from half of a pair. It is safe to call concurrently with Push
// and with Serve's own goroutine — the config cache's change callback
// calls it from the D-Bus signal delivery goroutine, while Serve reads it
// from its own. The mask is read when each event is dequeued, so an update
// also applies to events already on the channel but not yet processed.
//
// SetMask is called from the config cache's change callback; the worker
// itself never reads config.
func (w *Worker) SetMask(mask uint32) {
	w.mask.Store(mask)
}

// Push enqueues e for processing. It never blocks: if the queue is full,
// e is dropped and a warning is logged.
func (w *Worker) Push(e fsevent.FileEvent) {
	select {
	case w.events <- e:
	default:
		l.Warnf("event queue full, dropping event: action=%s path=%s", e.Action, e.EventPath)
	}
}

// Stop enqueues the terminate sentinel and blocks until the run loop has
// drained the queue and exited. Calling Stop more than once is a no-op:
// only the first call signals the run loop, but every call blocks until
// it has exited.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		select {
		case w.events <- fsevent.Terminate():
		default:
			// Queue is full; force progress by closing the channel directly.
			// Serve's loop will observe the close once it catches up.
		}
		close(w.events)
	})
	<-w.done
}

// Serve implements suture.Service. It runs the dequeue loop until the
// channel is closed (via Stop) or ctx is cancelled, whichever comes
// first.
func (w *Worker) Serve(ctx context.Context) error {
	defer close(w.done)
	for {
		select {
		case e, ok := <-w.events:
			if !ok {
				return nil
			}
			if e.Action == fsevent.ActionTerminate {
				return nil
			}
			w.process(e)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) process(e fsevent.FileEvent) {
	if !e.Valid() {
		l.Warnf("discarding invalid event: action=%s", e.Action)
		return
	}

	if e.Action.IsRenameFrom() || e.Action.IsRenameTo() {
		w.processRename(e)
		return
	}

	if e.Action.Bit()&w.mask.Load() == 0 {
		return
	}
	line, err := formatSingle(e)
	if err != nil {
		l.Warnf("failed to format event: %v", err)
		return
	}
	w.emit(line)
}

func (w *Worker) processRename(e fsevent.FileEvent) {
	prev, ok := w.pending[e.Cookie]
	if !ok {
		if e.Action.IsRenameFrom() {
			w.pending[e.Cookie] = e
		}
		// An orphan rename-to is dropped silently.
		return
	}
	delete(w.pending, e.Cookie)
	if !prev.Action.IsRenameFrom() || !e.Action.IsRenameTo() {
		// Mismatched pair kinds (e.g. two rename-froms in a row); drop both.
		return
	}
	if prev.Action.Bit()&w.mask.Load() == 0 {
		return
	}
	line, err := formatRename(prev, e)
	if err != nil {
		l.Warnf("failed to format rename event: %v", err)
		return
	}
	w.emit(line)
}

func (w *Worker) emit(line string) {
	if err := w.sink.WriteLine(line); err != nil {
		l.Warnf("sink write failed: %v", err)
		if errors.Is(err, logsink.ErrRotationFailed) && w.onFatal != nil {
			l.Warnf("sink permanently closed, requesting restart")
			w.onFatal()
		}
	}
}

// timestamp is taken when the CSV line is formatted, not when the kernel
// produced the event.
func timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05.000")
}
