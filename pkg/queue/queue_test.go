package queue

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/processor/pkg/kvstore"
)

type item struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

func setupTestQueue(t *testing.T) (*kvstore.DB, *Store[item]) {
	t.Helper()

	db, err := kvstore.Open(kvstore.Config{InMemory: true, NoSync: true})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db, New[item]("test", nil)
}

func pushIDs(t *testing.T, db *kvstore.DB, q *Store[item], ids ...uint64) {
	t.Helper()
	err := db.Update(func(rw kvstore.ReadWriter) error {
		for _, id := range ids {
			if err := q.PushBack(rw, item{ID: id}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to push items: %v", err)
	}
}

func listIDs(t *testing.T, db *kvstore.DB, q *Store[item]) []uint64 {
	t.Helper()
	var ids []uint64
	err := db.View(func(r kvstore.Reader) error {
		n, err := q.Len(r)
		if err != nil {
			return err
		}
		items, err := q.Range(r, 0, n, Ascending)
		if err != nil {
			return err
		}
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	return ids
}

func equalIDs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestQueue_FIFO(t *testing.T) {
	db, q := setupTestQueue(t)
	pushIDs(t, db, q, 1, 2, 3)

	var got []uint64
	for {
		var (
			it item
			ok bool
		)
		err := db.Update(func(rw kvstore.ReadWriter) error {
			var err error
			it, ok, err = q.PopFront(rw)
			return err
		})
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, it.ID)
	}

	if !equalIDs(got, []uint64{1, 2, 3}) {
		t.Errorf("expected FIFO order [1 2 3], got %v", got)
	}
}

func TestQueue_PopEmpty(t *testing.T) {
	db, q := setupTestQueue(t)
	err := db.Update(func(rw kvstore.ReadWriter) error {
		_, ok, err := q.PopFront(rw)
		if ok {
			t.Error("expected empty pop")
		}
		return err
	})
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
}

// countingRW records every key written or deleted.
type countingRW struct {
	kvstore.ReadWriter
	writes [][]byte
}

func (c *countingRW) Set(key, value []byte) error {
	c.writes = append(c.writes, append([]byte(nil), key...))
	return c.ReadWriter.Set(key, value)
}

func (c *countingRW) Delete(key []byte) error {
	c.writes = append(c.writes, append([]byte(nil), key...))
	return c.ReadWriter.Delete(key)
}

func TestQueue_RemoveFrontIsConstant(t *testing.T) {
	db, q := setupTestQueue(t)

	ids := make([]uint64, 200)
	for i := range ids {
		ids[i] = uint64(i)
	}
	pushIDs(t, db, q, ids...)

	for _, op := range []string{"pop_front", "remove_at_0"} {
		t.Run(op, func(t *testing.T) {
			txn := db.NewTxn()
			defer txn.Discard()

			rw := &countingRW{ReadWriter: txn}
			var err error
			if op == "pop_front" {
				_, _, err = q.PopFront(rw)
			} else {
				_, err = q.RemoveAt(rw, 0)
			}
			if err != nil {
				t.Fatalf("%s: %v", op, err)
			}
			if err := txn.Commit(); err != nil {
				t.Fatalf("commit: %v", err)
			}

			if len(rw.writes) != 2 {
				t.Fatalf("expected 2 writes, got %d", len(rw.writes))
			}
			items := 0
			for _, k := range rw.writes {
				if strings.HasPrefix(string(k), "q/test/i/") {
					items++
				} else if !bytes.Equal(k, []byte("q/test/meta")) {
					t.Errorf("unexpected key written: %q", k)
				}
			}
			if items != 1 {
				t.Errorf("expected exactly one item key touched, got %d", items)
			}
		})
	}

	got := listIDs(t, db, q)
	if len(got) != 198 || got[0] != 2 {
		t.Errorf("expected 198 items starting at 2, got %d starting at %v", len(got), got[:1])
	}
}

func TestQueue_InsertAt(t *testing.T) {
	tests := []struct {
		name    string
		index   uint64
		want    []uint64
		wantErr error
	}{
		{name: "front", index: 0, want: []uint64{9, 1, 2, 3}},
		{name: "middle", index: 1, want: []uint64{1, 9, 2, 3}},
		{name: "last position", index: 2, want: []uint64{1, 2, 9, 3}},
		{name: "append", index: 3, want: []uint64{1, 2, 3, 9}},
		{name: "out of bounds", index: 4, want: []uint64{1, 2, 3}, wantErr: ErrIndexOutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, q := setupTestQueue(t)
			pushIDs(t, db, q, 1, 2, 3)

			err := db.Update(func(rw kvstore.ReadWriter) error {
				return q.InsertAt(rw, tt.index, item{ID: 9})
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}

			if got := listIDs(t, db, q); !equalIDs(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestQueue_RemoveAt(t *testing.T) {
	tests := []struct {
		name     string
		index    uint64
		wantItem uint64
		want     []uint64
		wantErr  error
	}{
		{name: "front", index: 0, wantItem: 1, want: []uint64{2, 3, 4}},
		{name: "middle", index: 2, wantItem: 3, want: []uint64{1, 2, 4}},
		{name: "back", index: 3, wantItem: 4, want: []uint64{1, 2, 3}},
		{name: "out of bounds", index: 4, want: []uint64{1, 2, 3, 4}, wantErr: ErrIndexOutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, q := setupTestQueue(t)
			pushIDs(t, db, q, 1, 2, 3, 4)

			var removed item
			err := db.Update(func(rw kvstore.ReadWriter) error {
				var err error
				removed, err = q.RemoveAt(rw, tt.index)
				return err
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil && removed.ID != tt.wantItem {
				t.Errorf("expected removed item %d, got %d", tt.wantItem, removed.ID)
			}
			if got := listIDs(t, db, q); !equalIDs(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestQueue_Range(t *testing.T) {
	db, q := setupTestQueue(t)
	pushIDs(t, db, q, 10, 20, 30, 40, 50)

	// Advance the start cursor so logical positions differ from slots
	_ = db.Update(func(rw kvstore.ReadWriter) error {
		_, _, err := q.PopFront(rw)
		return err
	})

	tests := []struct {
		name    string
		from    uint64
		to      uint64
		order   Order
		want    []uint64
		wantErr error
	}{
		{name: "full ascending", from: 0, to: 4, order: Ascending, want: []uint64{20, 30, 40, 50}},
		{name: "partial ascending", from: 1, to: 3, order: Ascending, want: []uint64{30, 40}},
		{name: "partial descending", from: 1, to: 3, order: Descending, want: []uint64{40, 30}},
		{name: "empty", from: 2, to: 2, order: Ascending, want: nil},
		{name: "from after to", from: 3, to: 1, wantErr: ErrInvalidRange},
		{name: "to beyond length", from: 0, to: 5, wantErr: ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []uint64
			err := db.View(func(r kvstore.Reader) error {
				items, err := q.Range(r, tt.from, tt.to, tt.order)
				for _, it := range items {
					got = append(got, it.ID)
				}
				return err
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if !equalIDs(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestQueue_Peek(t *testing.T) {
	db, q := setupTestQueue(t)
	pushIDs(t, db, q, 7, 8)

	_ = db.View(func(r kvstore.Reader) error {
		it, err := q.Peek(r, 1)
		if err != nil || it.ID != 8 {
			t.Errorf("expected 8, got %d (%v)", it.ID, err)
		}
		if _, err := q.Peek(r, 2); !errors.Is(err, ErrIndexOutOfBounds) {
			t.Errorf("expected out of bounds, got %v", err)
		}
		return nil
	})
}

func TestQueue_Isolation(t *testing.T) {
	db, _ := setupTestQueue(t)
	high := New[item]("high", nil)
	low := New[item]("low", nil)

	_ = db.Update(func(rw kvstore.ReadWriter) error {
		_ = high.PushBack(rw, item{ID: 1})
		_ = low.PushBack(rw, item{ID: 2})
		return low.PushBack(rw, item{ID: 3})
	})

	_ = db.View(func(r kvstore.Reader) error {
		hn, _ := high.Len(r)
		ln, _ := low.Len(r)
		if hn != 1 || ln != 2 {
			t.Errorf("expected lengths 1 and 2, got %d and %d", hn, ln)
		}
		return nil
	})
}
