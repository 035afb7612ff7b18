// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package logsink implements the rotating, gzip-compressed, append-only
// CSV journal (C4). It owns a single live output file, tracks its byte
// count, and rotates to a bounded set of compressed archives when the
// configured size threshold is crossed.
//
// Once a rotation aborts partway through (a rename, unlink, or compress
// step failing), the sink is left permanently closed: subsequent writes
// are logged and dropped rather than reopening on a different failure
// path. Recovery is via daemon restart only, matching the Restart-requested
// error policy.
package logsink

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/deepin-community/anything-logger/internal/logutil"
)

var l = logutil.RegisterPackage("logsink", "rotating event journal")

// ErrRotationFailed is wrapped into the error returned by WriteLine when a
// prior rotation attempt left the sink permanently closed.
var ErrRotationFailed = errors.New("logsink: rotation failed, sink closed")

// Sink is a size-bounded, rotating, gzip-archiving append-only writer.
type Sink struct {
	mu           sync.Mutex
	basePath     string
	maxFileSize  int64 // bytes
	maxFileCount int
	f            *os.File
	curSize      int64
	closed       bool
}

// New creates (or opens for append) the live file at basePath, creating
// its parent directory (mode 0755) if necessary. maxFileSizeMiB and
// maxFileCount are the validated, already-clamped config values.
func New(basePath string, maxFileSizeMiB, maxFileCount int) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(basePath), 0o755); err != nil {
		return nil, fmt.Errorf("logsink: create log directory: %w", err)
	}
	s := &Sink{
		basePath:     basePath,
		maxFileSize:  int64(maxFileSizeMiB) * 1024 * 1024,
		maxFileCount: maxFileCount,
	}
	f, err := os.OpenFile(basePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", basePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("logsink: stat %s: %w", basePath, err)
	}
	s.f = f
	s.curSize = info.Size()
	return s, nil
}

// WriteLine appends line (expected to already end in a newline) to the
// live file, flushing immediately for per-line durability, and rotates
// first if the live file already exceeds the size threshold.
func (s *Sink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrRotationFailed
	}

	if s.curSize > s.maxFileSize {
		if err := s.rotateLocked(); err != nil {
			l.Warnf("rotation failed, sink permanently closed: %v", err)
			s.closed = true
			return fmt.Errorf("%w: %v", ErrRotationFailed, err)
		}
	}

	n, err := io.WriteString(s.f, line)
	if err != nil {
		l.Warnf("write failed: %v", err)
		return fmt.Errorf("logsink: write: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		l.Warnf("flush failed: %v", err)
	}
	s.curSize += int64(n)
	return nil
}

// Stop closes the live file. Calling Stop more than once is a no-op.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *Sink) archivePath(gen int) string {
	return fmt.Sprintf("%s.%d.gz", s.basePath, gen)
}

// rotateLocked shifts archived generations up by one, compresses the
// just-closed live file into generation 0, and reopens a fresh live
// file. The caller must hold s.mu.
func (s *Sink) rotateLocked() error {
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close live file: %w", err)
	}
	s.f = nil

	last := s.archivePath(s.maxFileCount - 1)
	if _, err := os.Stat(last); err == nil {
		if err := os.Remove(last); err != nil {
			return fmt.Errorf("remove oldest archive: %w", err)
		}
	}

	for i := s.maxFileCount - 2; i >= 0; i-- {
		src := s.archivePath(i)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, s.archivePath(i+1)); err != nil {
			return fmt.Errorf("shift archive %d: %w", i, err)
		}
	}

	staged := s.basePath + ".0"
	if err := os.Rename(s.basePath, staged); err != nil {
		return fmt.Errorf("stage live file: %w", err)
	}

	if err := gzipFile(staged, s.archivePath(0)); err != nil {
		return fmt.Errorf("compress staged file: %w", err)
	}
	if err := os.Remove(staged); err != nil {
		return fmt.Errorf("remove staged file: %w", err)
	}

	s.cleanStaleArchives()

	f, err := os.OpenFile(s.basePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen live file: %w", err)
	}
	s.f = f
	s.curSize = 0
	return nil
}

// cleanStaleArchives unlinks any base.i.gz with i >= maxFileCount, a
// hygiene step for when maxFileCount shrinks across a restart. Bounded to
// the 100 generations starting at maxFileCount so a corrupted count can't
// make this loop forever.
func (s *Sink) cleanStaleArchives() {
	for i := s.maxFileCount; i < s.maxFileCount+100; i++ {
		p := s.archivePath(i)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.Remove(p); err != nil {
			l.Warnf("failed to remove stale archive %s: %v", p, err)
		}
	}
}

func gzipFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	bw := bufio.NewWriter(dst)
	gw := gzip.NewWriter(bw)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}
