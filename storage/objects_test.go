package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestSaveAndFindObject(t *testing.T) {
	store := newTestStore(t)

	obj := Object{
		SHA1D:    "c2hhMWQ=",
		Creator:  "alice@example.com",
		Type:     3,
		Location: "avatar.png",
		Size:     4,
		Data:     []byte{1, 2, 3, 4},
	}
	if err := store.SaveObject(obj); err != nil {
		t.Fatalf("SaveObject failed: %v", err)
	}
	// A second save with the same hash is ignored.
	if err := store.SaveObject(obj); err != nil {
		t.Fatalf("second SaveObject failed: %v", err)
	}

	got, err := store.GetObject(obj.SHA1D)
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	if !bytes.Equal(got.Data, obj.Data) || got.Location != obj.Location {
		t.Fatalf("unexpected object %+v", *got)
	}

	found, err := store.FindObject("alice@example.com", "avatar.png")
	if err != nil {
		t.Fatalf("FindObject failed: %v", err)
	}
	if found.SHA1D != obj.SHA1D {
		t.Fatalf("unexpected object %q", found.SHA1D)
	}

	if _, err := store.FindObject("alice@example.com", "other.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveObjectRejectsSizeMismatch(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveObject(Object{SHA1D: "x", Creator: "a", Size: 10, Data: []byte{1}})
	if err == nil {
		t.Fatalf("expected size mismatch error")
	}
}
