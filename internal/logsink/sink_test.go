// Copyright (C) 2014 The Anything-Logger Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logsink

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readGzip(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader %s: %v", path, err)
	}
	defer gr.Close()
	b, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

// S5: rotation.
func TestSinkRotation(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "events.csv")

	s, err := New(base, 0, 3) // maxFileSizeMiB=0 forces immediate rotation after first write over 0 bytes
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// maxFileSize in MiB must be >=1 per clamp contract, so drive via a
	// sink constructed with a sub-MiB effective threshold using direct
	// field access through a tiny helper instead.
	s.maxFileSize = 50 // bytes, per spec example

	totalLines := 20
	line := strings.Repeat("x", 55) + "\n" // ~60 bytes including overhead-ish

	for i := 0; i < totalLines; i++ {
		if err := s.WriteLine(fmt.Sprintf("%d,%s", i, line)); err != nil {
			t.Fatalf("WriteLine %d: %v", i, err)
		}
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := os.Stat(base); err != nil {
		t.Errorf("expected live file to exist: %v", err)
	}
	for _, gen := range []int{0, 1, 2} {
		if _, err := os.Stat(s.archivePath(gen)); err != nil {
			t.Errorf("expected archive %d to exist: %v", gen, err)
		}
	}
	if _, err := os.Stat(s.archivePath(3)); err == nil {
		t.Error("expected archive 3 to not exist (maxFileCount=3)")
	}

	// Archive bound.
	matches, _ := filepath.Glob(base + ".*.gz")
	if len(matches) > 3 {
		t.Errorf("expected at most 3 archives, found %d", len(matches))
	}

	// Total lines preserved across archives + live.
	total := 0
	liveBytes, err := os.ReadFile(base)
	if err != nil {
		t.Fatalf("read live file: %v", err)
	}
	total += strings.Count(string(liveBytes), "\n")
	for _, gen := range []int{0, 1, 2} {
		content := readGzip(t, s.archivePath(gen))
		total += strings.Count(content, "\n")
	}
	if total != totalLines {
		t.Errorf("expected %d total lines preserved, got %d", totalLines, total)
	}
}

// Rotation monotonicity: base.k.gz strictly ages as k increases, and no
// earlier archive's content is overwritten by a later rotation with
// different content.
func TestSinkRotationMonotonicity(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "events.csv")
	s, err := New(base, 1, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.maxFileSize = 10

	// Force three rotations with distinguishable content per generation.
	for gen := 0; gen < 3; gen++ {
		marker := fmt.Sprintf("gen%d\n", gen)
		for len(marker) < 20 {
			marker += marker
		}
		if err := s.WriteLine(marker); err != nil {
			t.Fatalf("WriteLine: %v", err)
		}
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Each write after the first rotates, so the live file holds gen2,
	// archivePath(0) the most recently rotated gen1 and archivePath(1) the
	// oldest gen0; no more than maxFileCount archives exist.
	matches, _ := filepath.Glob(base + ".*.gz")
	if len(matches) > 2 {
		t.Errorf("expected at most 2 archives, found %d", len(matches))
	}
	liveBytes, err := os.ReadFile(base)
	if err != nil {
		t.Fatalf("read live file: %v", err)
	}
	if !strings.HasPrefix(string(liveBytes), "gen2\n") {
		t.Errorf("expected live file to hold gen2, got %q", liveBytes)
	}
	for gen, want := range []string{"gen1\n", "gen0\n"} {
		if got := readGzip(t, s.archivePath(gen)); !strings.HasPrefix(got, want) {
			t.Errorf("archive %d: expected content %q, got %q", gen, want, got)
		}
	}
}

func TestSinkIdempotentShutdown(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "events.csv")
	s, err := New(base, 1, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop must be a no-op, got: %v", err)
	}
}

func TestSinkWriteAfterStopFails(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "events.csv")
	s, err := New(base, 1, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = s.Stop()
	if err := s.WriteLine("x\n"); err == nil {
		t.Error("expected write after Stop to fail")
	}
}

func TestSinkCreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "nested", "deeper", "events.csv")
	s, err := New(base, 1, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()
	if _, err := os.Stat(filepath.Dir(base)); err != nil {
		t.Errorf("expected parent directory to be created: %v", err)
	}
}

func TestSinkAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "events.csv")
	s1, err := New(base, 1, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.WriteLine("line1\n"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := s1.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	s2, err := New(base, 1, 2)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}
	defer s2.Stop()
	if err := s2.WriteLine("line2\n"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	b, err := os.ReadFile(base)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Contains(b, []byte("line1")) || !bytes.Contains(b, []byte("line2")) {
		t.Errorf("expected both lines preserved across reopen, got %q", b)
	}
}
