package ledger

import (
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/storage"
)

func TestBlockLog_PutGetDelete(t *testing.T) {
	l := NewBlockLog(storage.NewMemory())
	lsn := LSN{Epoch: 0, Offset: 3}

	if err := l.Put(lsn, []byte("block-data")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := l.Get(lsn)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "block-data" {
		t.Fatalf("Get = %q, want %q", got, "block-data")
	}

	if err := l.Delete(lsn); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Get(lsn); err == nil {
		t.Fatal("Get after Delete succeeded, want error")
	}
}

func TestBlockLog_All_OrdersBySentinelLast(t *testing.T) {
	l := NewBlockLog(storage.NewMemory())
	must := func(lsn LSN, data string) {
		if err := l.Put(lsn, []byte(data)); err != nil {
			t.Fatal(err)
		}
	}
	// Insert out of order to verify sorting, not insertion order.
	must(LSN{Epoch: 0, Offset: Sentinel}, "macro-0")
	must(LSN{Epoch: 0, Offset: 1}, "micro-0-1")
	must(LSN{Epoch: 0, Offset: 0}, "micro-0-0")
	must(LSN{Epoch: 1, Offset: 0}, "micro-1-0")

	entries, err := l.All()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"micro-0-0", "micro-0-1", "macro-0", "micro-1-0"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if string(e.Data) != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, e.Data, want[i])
		}
	}
}

func TestBlockLog_From_SkipsEarlierEntries(t *testing.T) {
	l := NewBlockLog(storage.NewMemory())
	for off := uint32(0); off < 3; off++ {
		if err := l.Put(LSN{Epoch: 0, Offset: off}, []byte{byte(off)}); err != nil {
			t.Fatal(err)
		}
	}
	seq, err := l.From(LSN{Epoch: 0, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	var got []byte
	for e := range seq {
		got = append(got, e.Data[0])
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("From(offset=1) = %v, want [1 2]", got)
	}
}

func TestBlockLog_From_StopsEarlyOnFalse(t *testing.T) {
	l := NewBlockLog(storage.NewMemory())
	for off := uint32(0); off < 5; off++ {
		if err := l.Put(LSN{Epoch: 0, Offset: off}, []byte{byte(off)}); err != nil {
			t.Fatal(err)
		}
	}
	seq, err := l.From(LSN{})
	if err != nil {
		t.Fatal(err)
	}
	var count int
	for range seq {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Fatalf("iteration stopped after %d entries, want 2", count)
	}
}

func TestBlockLog_NewBatch(t *testing.T) {
	l := NewBlockLog(storage.NewMemory())
	batch := l.NewBatch()
	if err := batch.Put(EncodeLSN(LSN{Epoch: 0, Offset: 0}), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := batch.Commit(); err != nil {
		t.Fatal(err)
	}
	got, err := l.Get(LSN{Epoch: 0, Offset: 0})
	if err != nil || string(got) != "x" {
		t.Fatalf("Get after batch commit = %q, %v", got, err)
	}
}
