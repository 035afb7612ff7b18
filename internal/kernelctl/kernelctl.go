// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package kernelctl implements the kernel control channel (C1): a
// generic-netlink multicast socket joined to the kernel module's two
// event groups, plus write-only access to its control pseudo-files and
// reload detection via inode comparison.
package kernelctl

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/deepin-community/anything-logger/internal/logutil"
)

var l = logutil.RegisterPackage("kernelctl", "kernel control channel")

const (
	familyName = "deepin_anything"

	groupDentry      = "dentry"
	groupProcessInfo = "process-info"

	traceEventMaskFile    = "trace_event_mask"
	disableEventMergeFile = "disable_event_merge"
	unnamedDevicesFile    = "vfs_unnamed_devices"
)

// Conn wraps a generic-netlink socket joined to the kernel module's
// multicast groups, and write access to its control directory.
type Conn struct {
	gc       *genetlink.Conn
	familyID uint16
	ctlDir   string
	ctlInode uint64
}

// Dial resolves the kernel module's generic-netlink family, joins both
// multicast groups, and sets the socket receive buffer to the system
// maximum. ctlDir is the kernel module's control directory
// (conventionally under /sys or /proc); its absence means the module is
// not loaded, which Dial treats as a startup-fatal error (no retry).
func Dial(ctlDir string) (*Conn, error) {
	nlconn, err := netlink.Dial(unix.NETLINK_GENERIC, nil)
	if err != nil {
		return nil, fmt.Errorf("kernelctl: dial netlink: %w", err)
	}
	if max, err := readRmemMax(); err != nil {
		l.Warnf("failed to read rmem_max, leaving default receive buffer: %v", err)
	} else if err := nlconn.SetReadBuffer(max); err != nil {
		l.Warnf("failed to raise socket receive buffer to %d: %v", max, err)
	}

	gc := genetlink.NewConn(nlconn)

	family, err := gc.GetFamily(familyName)
	if err != nil {
		gc.Close()
		return nil, fmt.Errorf("kernelctl: resolve family %q: %w", familyName, err)
	}

	var dentryGroup, processGroup uint32
	for _, g := range family.Groups {
		switch g.Name {
		case groupDentry:
			dentryGroup = g.ID
		case groupProcessInfo:
			processGroup = g.ID
		}
	}
	if dentryGroup == 0 || processGroup == 0 {
		gc.Close()
		return nil, fmt.Errorf("kernelctl: family %q missing required multicast group", familyName)
	}
	if err := gc.JoinGroup(dentryGroup); err != nil {
		gc.Close()
		return nil, fmt.Errorf("kernelctl: join group %q: %w", groupDentry, err)
	}
	if err := gc.JoinGroup(processGroup); err != nil {
		gc.Close()
		return nil, fmt.Errorf("kernelctl: join group %q: %w", groupProcessInfo, err)
	}

	info, err := os.Stat(ctlDir)
	if err != nil {
		gc.Close()
		return nil, fmt.Errorf("kernelctl: control directory %s not present: %w", ctlDir, err)
	}

	return &Conn{
		gc:       gc,
		familyID: family.ID,
		ctlDir:   ctlDir,
		ctlInode: inodeOf(info),
	}, nil
}

// FamilyID returns the resolved generic-netlink family ID, for listeners
// that want to sanity-check incoming message headers.
func (c *Conn) FamilyID() uint16 {
	return c.familyID
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.gc.Close()
}

// Receive blocks for the next batch of multicast generic-netlink
// messages.
func (c *Conn) Receive() ([]genetlink.Message, error) {
	msgs, _, err := c.gc.Receive()
	return msgs, err
}

// Reloaded reports whether the control directory's inode has changed
// since Dial, which indicates the kernel module was unloaded and
// reloaded. A missing directory (e.g. during system shutdown) does not,
// by itself, count as a reload.
func (c *Conn) Reloaded() bool {
	info, err := os.Lstat(c.ctlDir)
	if err != nil {
		return false
	}
	return inodeOf(info) != c.ctlInode
}

func (c *Conn) writeControlFile(name, line string) error {
	path := c.ctlDir + "/" + name
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("kernelctl: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("kernelctl: write %s: %w", path, err)
	}
	return nil
}

// SetEventMask writes the decimal bitmask of monitored actions.
func (c *Conn) SetEventMask(mask uint32) error {
	return c.writeControlFile(traceEventMaskFile, strconv.FormatUint(uint64(mask), 10))
}

// SetMergeDisabled writes "0" or "1" to the merge-disable control file.
func (c *Conn) SetMergeDisabled(disabled bool) error {
	v := "0"
	if disabled {
		v = "1"
	}
	return c.writeControlFile(disableEventMergeFile, v)
}

// WriteLine writes a single incremental unnamed-device operation
// ("a<minor>" or "r<minor>") to the control file, satisfying
// mounttracker.ControlWriter.
func (c *Conn) WriteLine(op string) error {
	return c.writeControlFile(unnamedDevicesFile, op)
}

// CurrentMinors reads back the comma-separated current unnamed-device
// minor set, satisfying mounttracker.ControlWriter.
func (c *Conn) CurrentMinors() ([]int, error) {
	path := c.ctlDir + "/" + unnamedDevicesFile
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kernelctl: read %s: %w", path, err)
	}
	s := strings.TrimRight(string(b), " \r\n")
	if s == "" {
		return nil, nil
	}
	var minors []int
	for _, tok := range strings.Split(s, ",") {
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("kernelctl: parse minor %q: %w", tok, err)
		}
		minors = append(minors, n)
	}
	return minors, nil
}

func readRmemMax() (int, error) {
	b, err := os.ReadFile("/proc/sys/net/core/rmem_max")
	if err != nil {
		return 0, fmt.Errorf("read rmem_max: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimRight(string(b), " \r\n"))
	if err != nil {
		return 0, fmt.Errorf("parse rmem_max: %w", err)
	}
	return n, nil
}

func inodeOf(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
