package fixed

import (
	"os"
	"path/filepath"
	"testing"
)

func digestOf(b byte) [32]byte {
	var d [32]byte
	d[0] = b
	return d
}

func TestFixedAppendAndClose(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "archive.fidx")

	w, err := New(final, 192, 64, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Append(0, 64, digestOf(1)); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(64, 64, digestOf(2)); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(128, 64, digestOf(3)); err != nil {
		t.Fatal(err)
	}

	if err := w.Close(3, 192, w.hasher.Sum()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(final); err != nil {
		t.Fatalf("expected final index file to exist: %v", err)
	}
}

func TestFixedAppendOffsetMisaligned(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "a.fidx"), 128, 64, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(10, 64, digestOf(1)); err != ErrOffsetMisaligned {
		t.Fatalf("expected ErrOffsetMisaligned, got %v", err)
	}
}

func TestFixedAppendSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "a.fidx"), 128, 64, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(0, 32, digestOf(1)); err != ErrSizeMismatch {
		t.Fatalf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestFixedAppendOutOfRange(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "a.fidx"), 64, 64, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(64, 64, digestOf(1)); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestFixedCloseCountMismatch(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "a.fidx"), 128, 64, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(0, 64, digestOf(1)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(1, 128, w.hasher.Sum()); err != ErrCountMismatch {
		t.Fatalf("expected ErrCountMismatch, got %v", err)
	}
}

func TestFixedIncrementalZeroAppendCloses(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "archive.fidx")

	// Build a "previous" index with one populated slot.
	prev, err := New(filepath.Join(dir, "prev.fidx"), 64, 64, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := prev.Append(0, 64, digestOf(9)); err != nil {
		t.Fatal(err)
	}
	if err := prev.Close(1, 64, prev.hasher.Sum()); err != nil {
		t.Fatal(err)
	}
	prevBytes, err := os.ReadFile(filepath.Join(dir, "prev.fidx"))
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewIncremental(final, 64, 64, prevBytes, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	// No appends this session; incremental close should still succeed with
	// whatever client-declared totals are passed (ignored in this mode).
	if err := w.Close(0, 0, [32]byte{}); err != nil {
		t.Fatalf("expected zero-append incremental close to succeed, got %v", err)
	}
}
