// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mounttopology builds a parent/child mount-point index keyed by
// device ID from the live mount table (C7). It is a pure read-side query:
// unlike mounttracker, it does not watch for changes or write to any
// control file.
//
// State is kept as a slice arena of MountRecord plus two indexes keyed by
// device ID (representative mount, child mounts) holding indices into the
// arena; the by-mount-ID index used while building is not retained. There
// are no pointers between records, avoiding a cyclic graph.
package mounttopology

import (
	"fmt"

	"github.com/moby/sys/mountinfo"

	"github.com/deepin-community/anything-logger/internal/logutil"
)

var l = logutil.RegisterPackage("mounttopology", "mount topology inspector")

// MountRecord is one row of the mount table relevant to topology
// resolution.
type MountRecord struct {
	DeviceID      int
	MountID       int
	ParentMountID int
	MountPoint    string
	FSRoot        string
	FSType        string
}

// Topology is the resolved parent/child mount-point index.
type Topology struct {
	arena []MountRecord

	// deviceMount maps a device ID to the index in arena of its
	// representative (root, fs-root "/") mount.
	deviceMount map[int]int

	// childMounts maps a device ID to the arena indexes of every mount
	// whose parent mount ID is that device's representative mount.
	childMounts map[int][]int

	// ExistLowerFS is set iff any row has fstype fuse.dlnfs or ulnfs.
	ExistLowerFS bool
}

// Build reads the current mount table and resolves the topology.
func Build() (*Topology, error) {
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, fmt.Errorf("mounttopology: parse mountinfo: %w", err)
	}
	records := make([]MountRecord, 0, len(mounts))
	for _, m := range mounts {
		records = append(records, MountRecord{
			DeviceID:      m.Minor | (m.Major << 8),
			MountID:       m.ID,
			ParentMountID: m.Parent,
			MountPoint:    m.Mountpoint,
			FSRoot:        m.Root,
			FSType:        m.FSType,
		})
	}
	return build(records), nil
}

func build(records []MountRecord) *Topology {
	t := &Topology{
		arena:       records,
		deviceMount: make(map[int]int),
		childMounts: make(map[int][]int),
	}

	byMountID := make(map[int]int, len(records))
	for i, r := range records {
		byMountID[r.MountID] = i
		if r.FSType == "fuse.dlnfs" || r.FSType == "ulnfs" {
			t.ExistLowerFS = true
		}
	}

	for i, r := range records {
		if r.FSRoot != "/" {
			continue
		}
		if !t.chainReachesRoot(r, byMountID) {
			continue
		}
		if existing, ok := t.deviceMount[r.DeviceID]; ok {
			l.Warnf("duplicate root mount for device %d: keeping mount id %d, ignoring %d",
				r.DeviceID, records[existing].MountID, r.MountID)
			continue
		}
		t.deviceMount[r.DeviceID] = i
	}

	for i, r := range records {
		parentIdx, ok := byMountID[r.ParentMountID]
		if !ok || parentIdx == i {
			// A self-parented root mount is not its own child.
			continue
		}
		parent := records[parentIdx]
		if repIdx, ok := t.deviceMount[parent.DeviceID]; ok && repIdx == parentIdx {
			t.childMounts[parent.DeviceID] = append(t.childMounts[parent.DeviceID], i)
		}
	}

	return t
}

// chainReachesRoot walks parent mount IDs up to the root mount (mount
// target "/", a self-parented mount, or a parent missing from the table)
// and requires every mount on the way to have fs-root "/" (excludes
// mounts beneath bind/subpath mounts).
func (t *Topology) chainReachesRoot(r MountRecord, byMountID map[int]int) bool {
	seen := make(map[int]bool)
	cur := r
	for {
		if cur.FSRoot != "/" {
			return false
		}
		if cur.MountPoint == "/" || cur.ParentMountID == cur.MountID {
			return true
		}
		if seen[cur.MountID] {
			// Cycle in the parent chain; treat as not reaching root.
			return false
		}
		seen[cur.MountID] = true
		parentIdx, ok := byMountID[cur.ParentMountID]
		if !ok {
			return true
		}
		cur = t.arena[parentIdx]
	}
}

// MountPoint returns the representative mount point for deviceID and
// whether one was found.
func (t *Topology) MountPoint(deviceID int) (string, bool) {
	idx, ok := t.deviceMount[deviceID]
	if !ok {
		return "", false
	}
	return t.arena[idx].MountPoint, true
}

// ChildMountPoints returns every mount point whose parent mount is the
// representative mount of deviceID.
func (t *Topology) ChildMountPoints(deviceID int) []string {
	idxs := t.childMounts[deviceID]
	out := make([]string, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, t.arena[i].MountPoint)
	}
	return out
}
