package manifest

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := New()
	m.AddFile("drive-scsi0.img.fidx", 4096, [32]byte{1, 2, 3})
	m.AddFile("catalog.pcat1.didx", 2048, [32]byte{4, 5, 6})
	m.Signature = "deadbeef"

	blob, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Files) != 2 {
		t.Fatalf("got %d files, want 2", len(decoded.Files))
	}
	entry, err := decoded.Entry("drive-scsi0.img.fidx")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Size != 4096 {
		t.Fatalf("got size %d, want 4096", entry.Size)
	}
	if decoded.Signature != "deadbeef" {
		t.Fatalf("signature not preserved: %q", decoded.Signature)
	}
}

func TestEntryNotFound(t *testing.T) {
	m := New()
	if _, err := m.Entry("missing"); err != ErrArchiveNotFound {
		t.Fatalf("expected ErrArchiveNotFound, got %v", err)
	}
}

func TestParseVerifyState(t *testing.T) {
	cases := []struct {
		state string
		want  bool
	}{
		{"", true},
		{"ok", true},
		{"failed", false},
		{"some-unknown-future-value", true},
	}
	for _, c := range cases {
		m := &Manifest{Unprotected: Unprotected{VerifyState: c.state}}
		if got := ParseVerifyState(m); got != c.want {
			t.Errorf("ParseVerifyState(%q) = %v, want %v", c.state, got, c.want)
		}
	}
}
