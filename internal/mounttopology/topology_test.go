// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package mounttopology

import "testing"

func TestBuildSimpleRootAndChild(t *testing.T) {
	records := []MountRecord{
		{DeviceID: 1, MountID: 1, ParentMountID: 1, MountPoint: "/", FSRoot: "/", FSType: "ext4"},
		{DeviceID: 1, MountID: 2, ParentMountID: 1, MountPoint: "/home", FSRoot: "/", FSType: "ext4"},
	}
	topo := build(records)

	mp, ok := topo.MountPoint(1)
	if !ok || mp != "/" {
		t.Fatalf("MountPoint(1) = %q, %v; want \"/\", true", mp, ok)
	}
	children := topo.ChildMountPoints(1)
	if len(children) != 1 || children[0] != "/home" {
		t.Errorf("ChildMountPoints(1) = %v, want [/home]", children)
	}
}

func TestBuildExcludesBindMount(t *testing.T) {
	records := []MountRecord{
		{DeviceID: 1, MountID: 1, ParentMountID: 1, MountPoint: "/", FSRoot: "/", FSType: "ext4"},
		// A bind mount of a subpath has fs-root != "/" and must not become
		// the device's representative mount.
		{DeviceID: 2, MountID: 3, ParentMountID: 1, MountPoint: "/mnt/sub", FSRoot: "/srv/data", FSType: "ext4"},
	}
	topo := build(records)

	if _, ok := topo.MountPoint(2); ok {
		t.Error("expected bind-mounted device to have no representative mount point")
	}
}

func TestBuildDuplicateRootMountKeepsFirst(t *testing.T) {
	records := []MountRecord{
		{DeviceID: 1, MountID: 1, ParentMountID: 1, MountPoint: "/", FSRoot: "/", FSType: "ext4"},
		{DeviceID: 1, MountID: 5, ParentMountID: 1, MountPoint: "/mnt/dup", FSRoot: "/", FSType: "ext4"},
	}
	topo := build(records)

	mp, ok := topo.MountPoint(1)
	if !ok || mp != "/" {
		t.Errorf("expected first root mount to win, got %q, %v", mp, ok)
	}
}

func TestExistLowerFS(t *testing.T) {
	records := []MountRecord{
		{DeviceID: 1, MountID: 1, ParentMountID: 1, MountPoint: "/", FSRoot: "/", FSType: "ext4"},
		{DeviceID: 2, MountID: 2, ParentMountID: 1, MountPoint: "/mnt/lower", FSRoot: "/", FSType: "fuse.dlnfs"},
	}
	topo := build(records)
	if !topo.ExistLowerFS {
		t.Error("expected ExistLowerFS to be true when a fuse.dlnfs row is present")
	}
}

func TestExistLowerFSFalseWhenAbsent(t *testing.T) {
	records := []MountRecord{
		{DeviceID: 1, MountID: 1, ParentMountID: 1, MountPoint: "/", FSRoot: "/", FSType: "ext4"},
	}
	topo := build(records)
	if topo.ExistLowerFS {
		t.Error("expected ExistLowerFS to be false with no lower-fs rows")
	}
}
