package dynamic

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

func TestDynamicAppendAndClose(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "archive.didx")

	w, err := New(final, 0o644)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Append(0, 100, digestOf(1)); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(100, 50, digestOf(2)); err != nil {
		t.Fatal(err)
	}

	if err := w.Close(2, 150, w.hasher.Sum()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(final); err != nil {
		t.Fatalf("expected final index file to exist: %v", err)
	}
}

func TestDynamicAppendNonMonotonic(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "a.didx"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(0, 100, digestOf(1)); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(50, 50, digestOf(2)); err != ErrNonMonotonic {
		t.Fatalf("expected ErrNonMonotonic, got %v", err)
	}
}

func TestDynamicAppendGap(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "a.didx"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(0, 100, digestOf(1)); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(150, 50, digestOf(2)); err != ErrGap {
		t.Fatalf("expected ErrGap, got %v", err)
	}
}

func TestDynamicCloseCsumMismatch(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "a.didx"), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Append(0, 100, digestOf(1)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(1, 100, [32]byte{0xFF}); err != ErrCsumMismatch {
		t.Fatalf("expected ErrCsumMismatch, got %v", err)
	}
}
