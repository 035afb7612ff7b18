// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package listener implements the event listener (C2): it decodes
// incoming multicast generic-netlink frames from the kernel module and
// merges the NOTIFY and NOTIFY_PROCESS_INFO halves into a single
// fsevent.FileEvent, handed to a consumer callback.
package listener

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"

	"github.com/deepin-community/anything-logger/internal/fsevent"
	"github.com/deepin-community/anything-logger/internal/logutil"
)

var l = logutil.RegisterPackage("listener", "event listener")

// Generic-netlink commands carried by the kernel module's multicast
// frames.
const (
	cmdNotify            = 1
	cmdNotifyProcessInfo = 2
)

// NOTIFY attribute IDs.
const (
	attrAction uint16 = iota + 1
	attrCookie
	attrMajor
	attrMinor
	attrEventPath
)

// NOTIFY_PROCESS_INFO attribute IDs.
const (
	attrUID uint16 = iota + 1
	attrTGID
	attrProcessPath
)

// Receiver is the narrow interface onto the kernel control channel's
// socket, implemented by kernelctl.Conn, so the decode loop can be tested
// against a canned sequence of frames.
type Receiver interface {
	Receive() ([]genetlink.Message, error)
}

// Consumer receives each fully-merged FileEvent that passes the current
// action mask.
type Consumer func(fsevent.FileEvent)

// Listener decodes multicast frames from a Receiver and merges NOTIFY +
// NOTIFY_PROCESS_INFO halves into FileEvents, delivered to a Consumer.
//
// At most one partial event is ever in flight; a second NOTIFY arriving
// before the first's PROCESS_INFO half discards the earlier partial
// (kernel-side event merge or socket-buffer overflow) and starts fresh.
type Listener struct {
	recv    Receiver
	consume Consumer
	mask    atomic.Uint32
	merge   atomic.Bool

	partial    fsevent.FileEvent
	haveNotify bool
}

// New constructs a Listener reading from recv and delivering accepted
// events to consume, gated by the initial action mask.
func New(recv Receiver, consume Consumer, mask uint32) *Listener {
	ls := &Listener{recv: recv, consume: consume}
	ls.mask.Store(mask)
	return ls
}

// SetMask updates the action mask applied between NOTIFY and
// NOTIFY_PROCESS_INFO. Safe to call from another goroutine (e.g. the
// config cache's change callback on the main loop) concurrently with
// Serve: the mask is read from Serve's own goroutine via an atomic.
func (ls *Listener) SetMask(mask uint32) {
	ls.mask.Store(mask)
}

// SetMergeDisabled records whether the kernel module's own merge-disable
// control file is currently set, which raises the severity of the
// merge-discard log line: with merging disabled at the source, a NOTIFY
// overwriting a pending partial is no longer an expected, benign
// occurrence but a sign something is still merging (or the partner
// PROCESS_INFO was lost), so it is logged as a warning instead of a
// debug line. The kernel module itself is what actually stops merging
// events at the source; this flag only affects how loudly the listener
// reports the condition. Safe to call concurrently with Serve, for the
// same reason as SetMask.
func (ls *Listener) SetMergeDisabled(disabled bool) {
	ls.merge.Store(disabled)
}

// Serve implements suture.Service: it pulls frames from recv and feeds
// them to handleFrame until ctx is cancelled. A Receive error while ctx is
// still live is logged and the loop continues.
func (ls *Listener) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := ls.recv.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.Warnf("receive failed: %v", err)
			continue
		}
		for _, msg := range msgs {
			ls.handleFrame(msg)
		}
	}
}

// handleFrame decodes one generic-netlink message and advances the
// pairing state machine. Decode errors and unknown commands are logged
// and skipped; they never stop the loop.
func (ls *Listener) handleFrame(msg genetlink.Message) {
	switch msg.Header.Command {
	case cmdNotify:
		ls.handleNotify(msg.Data)
	case cmdNotifyProcessInfo:
		ls.handleProcessInfo(msg.Data)
	default:
		l.Warnf("unknown generic-netlink command %d", msg.Header.Command)
	}
}

func (ls *Listener) handleNotify(data []byte) {
	if ls.haveNotify {
		if ls.merge.Load() {
			l.Warnf("discarding in-flight partial event (path=%s): new NOTIFY arrived before its PROCESS_INFO half despite merge being disabled", ls.partial.EventPath)
		} else {
			l.Debugf("discarding in-flight partial event (path=%s): new NOTIFY arrived before its PROCESS_INFO half", ls.partial.EventPath)
		}
		ls.partial = fsevent.FileEvent{}
		ls.haveNotify = false
	}

	e, err := decodeNotify(data)
	if err != nil {
		l.Warnf("failed to decode NOTIFY frame: %v", err)
		return
	}
	ls.partial = e
	ls.haveNotify = true
}

func (ls *Listener) handleProcessInfo(data []byte) {
	if !ls.haveNotify {
		l.Debugf("discarding orphan NOTIFY_PROCESS_INFO frame (no partial event in flight)")
		return
	}

	uid, pid, processPath, err := decodeProcessInfo(data)
	e := ls.partial
	ls.partial = fsevent.FileEvent{}
	ls.haveNotify = false

	if err != nil {
		l.Warnf("failed to decode NOTIFY_PROCESS_INFO frame: %v", err)
		return
	}

	e.UID = uid
	e.PID = pid
	e.ProcessPath = processPath

	if e.Action.Bit()&ls.mask.Load() == 0 {
		return
	}
	ls.consume(e)
}

func decodeNotify(data []byte) (fsevent.FileEvent, error) {
	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return fsevent.FileEvent{}, fmt.Errorf("listener: attribute decoder: %w", err)
	}

	var e fsevent.FileEvent
	var haveAction, haveCookie, haveMajor, haveMinor, havePath bool

	for ad.Next() {
		switch ad.Type() {
		case attrAction:
			e.Action = fsevent.Action(ad.Uint8())
			haveAction = true
		case attrCookie:
			e.Cookie = ad.Uint32()
			haveCookie = true
		case attrMajor:
			e.Dev.Major = ad.Uint16()
			haveMajor = true
		case attrMinor:
			e.Dev.Minor = ad.Uint8()
			haveMinor = true
		case attrEventPath:
			e.EventPath = ad.String()
			havePath = true
		}
	}
	if err := ad.Err(); err != nil {
		return fsevent.FileEvent{}, fmt.Errorf("listener: decode NOTIFY attributes: %w", err)
	}
	if !haveAction || !haveCookie || !haveMajor || !haveMinor || !havePath {
		return fsevent.FileEvent{}, fmt.Errorf("listener: NOTIFY frame missing required attribute")
	}
	return e, nil
}

func decodeProcessInfo(data []byte) (uid uint32, pid int32, processPath string, err error) {
	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return 0, 0, "", fmt.Errorf("listener: attribute decoder: %w", err)
	}

	var haveUID, haveTGID, havePath bool
	for ad.Next() {
		switch ad.Type() {
		case attrUID:
			uid = ad.Uint32()
			haveUID = true
		case attrTGID:
			pid = int32(ad.Uint32())
			haveTGID = true
		case attrProcessPath:
			processPath = ad.String()
			havePath = true
		}
	}
	if err := ad.Err(); err != nil {
		return 0, 0, "", fmt.Errorf("listener: decode PROCESS_INFO attributes: %w", err)
	}
	if !haveUID || !haveTGID || !havePath {
		return 0, 0, "", fmt.Errorf("listener: NOTIFY_PROCESS_INFO frame missing required attribute")
	}
	return uid, pid, processPath, nil
}
