// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mounttracker implements the mount/device tracker (C6): it
// watches the mount table for changes and publishes the set of
// "unnamed device" minor numbers per configured filesystem type to the
// kernel module's control file.
package mounttracker

import (
	"context"
	"fmt"
	"sort"

	"github.com/fsnotify/fsnotify"
	"github.com/moby/sys/mountinfo"

	"github.com/deepin-community/anything-logger/internal/logutil"
)

var l = logutil.RegisterPackage("mounttracker", "mount/device tracker")

const mountinfoPath = "/proc/self/mountinfo"

// ControlWriter is the narrow interface onto the kernel module's
// vfs_unnamed_devices control file: one incremental operation per write.
type ControlWriter interface {
	WriteLine(line string) error
	// CurrentMinors returns the previously published minor set, read back
	// from the control file.
	CurrentMinors() ([]int, error)
}

// Tracker watches the mount table and republishes the unnamed-device
// minor set for a fixed list of filesystem types whenever it changes.
type Tracker struct {
	fstypes []string
	ctl     ControlWriter
	watcher *fsnotify.Watcher
}

// New constructs a Tracker that filters the mount table to fstypes (e.g.
// "overlay", "btrfs", "fuse.dlnfs", "ulnfs") and publishes diffs to ctl.
func New(fstypes []string, ctl ControlWriter) (*Tracker, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("mounttracker: create watcher: %w", err)
	}
	if err := w.Add(mountinfoPath); err != nil {
		w.Close()
		return nil, fmt.Errorf("mounttracker: watch %s: %w", mountinfoPath, err)
	}
	return &Tracker{fstypes: fstypes, ctl: ctl, watcher: w}, nil
}

// Serve implements suture.Service. It republishes once at startup, then
// on every subsequent mount-table write, until ctx is cancelled.
func (t *Tracker) Serve(ctx context.Context) error {
	defer t.watcher.Close()

	t.republish()
	for {
		select {
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Write == 0 {
				continue
			}
			t.republish()
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return nil
			}
			l.Warnf("mount watcher error: %v", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Tracker) republish() {
	current, err := currentMinors(t.fstypes)
	if err != nil {
		l.Warnf("failed to read mount table: %v", err)
		return
	}
	published, err := t.ctl.CurrentMinors()
	if err != nil {
		l.Warnf("failed to read published minor set: %v", err)
		return
	}

	removals, additions := diffMinors(published, current)
	for _, m := range removals {
		if err := t.ctl.WriteLine(fmt.Sprintf("r%d", m)); err != nil {
			l.Warnf("failed to publish removal of minor %d: %v", m, err)
		}
	}
	for _, m := range additions {
		if err := t.ctl.WriteLine(fmt.Sprintf("a%d", m)); err != nil {
			l.Warnf("failed to publish addition of minor %d: %v", m, err)
		}
	}
}

func currentMinors(fstypes []string) ([]int, error) {
	wanted := make(map[string]bool, len(fstypes))
	for _, f := range fstypes {
		wanted[f] = true
	}

	mounts, err := mountinfo.GetMounts(func(m *mountinfo.Info) (skip, stop bool) {
		if !wanted[m.FSType] {
			return true, false
		}
		if m.Major != 0 || m.Minor > 255 {
			return true, false
		}
		return false, false
	})
	if err != nil {
		return nil, fmt.Errorf("parse mountinfo: %w", err)
	}

	seen := make(map[int]bool)
	var minors []int
	for _, m := range mounts {
		if seen[m.Minor] {
			continue
		}
		seen[m.Minor] = true
		minors = append(minors, m.Minor)
	}
	sort.Ints(minors)
	return minors, nil
}

// diffMinors returns the minors present in prev but not in cur
// (removals) and the minors present in cur but not in prev (additions),
// each sorted ascending. prev and cur are assumed sorted.
func diffMinors(prev, cur []int) (removals, additions []int) {
	prevSet := make(map[int]bool, len(prev))
	for _, m := range prev {
		prevSet[m] = true
	}
	curSet := make(map[int]bool, len(cur))
	for _, m := range cur {
		curSet[m] = true
	}
	for _, m := range prev {
		if !curSet[m] {
			removals = append(removals, m)
		}
	}
	for _, m := range cur {
		if !prevSet[m] {
			additions = append(additions, m)
		}
	}
	sort.Ints(removals)
	sort.Ints(additions)
	return removals, additions
}
