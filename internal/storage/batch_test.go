package storage

import (
	"bytes"
	"testing"
)

func testBatch(t *testing.T, db DB) {
	t.Helper()

	batcher, ok := db.(Batcher)
	if !ok {
		t.Fatalf("%T does not implement Batcher", db)
	}

	db.Put([]byte("keep"), []byte("old"))
	db.Put([]byte("gone"), []byte("bye"))

	b := batcher.NewBatch()
	if err := b.Put([]byte("keep"), []byte("new")); err != nil {
		t.Fatalf("batch Put() error: %v", err)
	}
	if err := b.Put([]byte("added"), []byte("fresh")); err != nil {
		t.Fatalf("batch Put() error: %v", err)
	}
	if err := b.Delete([]byte("gone")); err != nil {
		t.Fatalf("batch Delete() error: %v", err)
	}

	// None of the batch's writes should be visible before Commit.
	if val, _ := db.Get([]byte("keep")); !bytes.Equal(val, []byte("old")) {
		t.Errorf("keep visible before commit = %q, want %q", val, "old")
	}
	if ok, _ := db.Has([]byte("added")); ok {
		t.Errorf("added key visible before commit")
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	if val, _ := db.Get([]byte("keep")); !bytes.Equal(val, []byte("new")) {
		t.Errorf("keep after commit = %q, want %q", val, "new")
	}
	if val, _ := db.Get([]byte("added")); !bytes.Equal(val, []byte("fresh")) {
		t.Errorf("added after commit = %q, want %q", val, "fresh")
	}
	if ok, _ := db.Has([]byte("gone")); ok {
		t.Errorf("gone key still present after commit")
	}
}

func TestMemoryDBBatch(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testBatch(t, db)
}

func TestBadgerDBBatch(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	testBatch(t, db)
}
