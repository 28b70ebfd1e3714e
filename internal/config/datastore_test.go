package config

import (
	"path/filepath"
	"testing"
)

func TestCreateGetList(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "datastores.json"))

	if err := s.Create(Datastore{Name: "vault1", Path: "/srv/vault1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(Datastore{Name: "vault2", Path: "/srv/vault2"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("vault1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/srv/vault1" {
		t.Fatalf("got %q, want /srv/vault1", got.Path)
	}

	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d datastores, want 2", len(all))
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "datastores.json"))
	if err := s.Create(Datastore{Name: "vault1", Path: "/srv/vault1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(Datastore{Name: "vault1", Path: "/srv/other"}); err != ErrNameInUse {
		t.Fatalf("got %v, want ErrNameInUse", err)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "datastores.json"))
	if _, err := s.Get("missing"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPutUpdatesExisting(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "datastores.json"))
	if err := s.Create(Datastore{Name: "vault1", Path: "/srv/vault1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(Datastore{Name: "vault1", Path: "/srv/vault1", Comment: "updated"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("vault1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Comment != "updated" {
		t.Fatalf("got comment %q, want updated", got.Comment)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "datastores.json"))
	if err := s.Create(Datastore{Name: "vault1", Path: "/srv/vault1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("vault1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("vault1"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if _, err := s.Get("vault1"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPersistsAcrossStoreInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datastores.json")
	s1 := NewStore(path)
	if err := s1.Create(Datastore{Name: "vault1", Path: "/srv/vault1"}); err != nil {
		t.Fatal(err)
	}

	s2 := NewStore(path)
	got, err := s2.Get("vault1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/srv/vault1" {
		t.Fatalf("got %q, want /srv/vault1", got.Path)
	}
}
