package kvstore

import (
	"bytes"
	"errors"
	"testing"
)

// setupTestDB opens an in-memory database for testing
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{InMemory: true, NoSync: true})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestTxn_CommitAndDiscard(t *testing.T) {
	db := setupTestDB(t)

	txn := db.NewTxn()
	if err := txn.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Reads observe pending writes
	v, found, err := txn.Get([]byte("a"))
	if err != nil || !found || string(v) != "1" {
		t.Fatalf("expected pending write visible, got %q found=%v err=%v", v, found, err)
	}
	txn.Discard()

	err = db.View(func(r Reader) error {
		_, found, err := r.Get([]byte("a"))
		if err != nil {
			return err
		}
		if found {
			t.Error("discarded write should not be visible")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	if err := db.Update(func(rw ReadWriter) error {
		return rw.Set([]byte("a"), []byte("2"))
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	_ = db.View(func(r Reader) error {
		v, found, _ := r.Get([]byte("a"))
		if !found || string(v) != "2" {
			t.Errorf("expected committed value 2, got %q", v)
		}
		return nil
	})
}

func TestUpdate_ErrorDiscards(t *testing.T) {
	db := setupTestDB(t)
	boom := errors.New("boom")

	err := db.Update(func(rw ReadWriter) error {
		_ = rw.Set([]byte("k"), []byte("v"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = db.View(func(r Reader) error {
		if _, found, _ := r.Get([]byte("k")); found {
			t.Error("write from failed update must not be committed")
		}
		return nil
	})
}

func TestTxn_CommitTwice(t *testing.T) {
	db := setupTestDB(t)
	txn := db.NewTxn()
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := txn.Commit(); err == nil {
		t.Fatal("expected error on second commit")
	}
	txn.Discard()
}

func TestScan_OrderAndBounds(t *testing.T) {
	db := setupTestDB(t)

	err := db.Update(func(rw ReadWriter) error {
		for _, n := range []uint64{3, 1, 256, 2} {
			if err := rw.Set(Key("p/", n), EncodeUint64(n)); err != nil {
				return err
			}
		}
		return rw.Set([]byte("q/other"), []byte("x"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	collect := func(reverse bool) []uint64 {
		var out []uint64
		_ = db.View(func(r Reader) error {
			return r.Scan([]byte("p/"), PrefixEnd([]byte("p/")), reverse, func(k, v []byte) error {
				n, err := DecodeKey("p/", k)
				if err != nil {
					return err
				}
				out = append(out, n)
				return nil
			})
		})
		return out
	}

	asc := collect(false)
	want := []uint64{1, 2, 3, 256}
	if len(asc) != len(want) {
		t.Fatalf("expected %v, got %v", want, asc)
	}
	for i := range want {
		if asc[i] != want[i] {
			t.Errorf("asc[%d]: expected %d, got %d", i, want[i], asc[i])
		}
	}

	desc := collect(true)
	if len(desc) != 4 || desc[0] != 256 || desc[3] != 1 {
		t.Errorf("unexpected descending order: %v", desc)
	}
}

func TestScan_StopEarly(t *testing.T) {
	db := setupTestDB(t)
	_ = db.Update(func(rw ReadWriter) error {
		for i := uint64(0); i < 5; i++ {
			_ = rw.Set(Key("s/", i), nil)
		}
		return nil
	})

	count := 0
	err := db.View(func(r Reader) error {
		return r.Scan([]byte("s/"), PrefixEnd([]byte("s/")), false, func(_, _ []byte) error {
			count++
			if count == 2 {
				return ErrStopScan
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 visits, got %d", count)
	}
}

func TestKeyHelpers(t *testing.T) {
	k := Key("idx/", 42)
	n, err := DecodeKey("idx/", k)
	if err != nil || n != 42 {
		t.Fatalf("expected 42, got %d (%v)", n, err)
	}
	if _, err := DecodeKey("other/", k); err == nil {
		t.Error("expected prefix mismatch error")
	}

	if !bytes.Equal(PrefixEnd([]byte("ab")), []byte("ac")) {
		t.Errorf("unexpected prefix end: %q", PrefixEnd([]byte("ab")))
	}
	if PrefixEnd([]byte{0xff, 0xff}) != nil {
		t.Error("expected nil prefix end for all-0xff prefix")
	}

	if _, err := DecodeUint64([]byte{1, 2}); err == nil {
		t.Error("expected error for short encoding")
	}
}
