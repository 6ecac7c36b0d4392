// Package queue implements a persistent deque over the ordered key-value store.
//
// Each queue keeps a sparse index->item map plus two monotonically increasing
// cursors (start, end) stored together under one meta key. Logical position i
// lives at slot start+i. Slots are never reused: PopFront and RemoveAt(0)
// delete one item and advance start, so they touch exactly two keys
// regardless of queue length. Positional inserts and removals elsewhere shift
// the items after the position by one slot.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/processor/pkg/kvstore"
)

var (
	// ErrIndexOutOfBounds is returned when a positional operation is given an
	// index outside the queue. Indices are never clamped.
	ErrIndexOutOfBounds = errors.New("queue: index out of bounds")

	// ErrInvalidRange is returned when a range has from > to or to > len.
	ErrInvalidRange = errors.New("queue: invalid range")
)

// Order controls range iteration direction.
type Order int

const (
	// Ascending iterates from the front of the queue.
	Ascending Order = iota
	// Descending iterates from the back of the queue.
	Descending
)

// Codec encodes and decodes queue items.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes items with encoding/json.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// Store is a single named deque. It holds no state of its own; every method
// operates on the ReadWriter it is given, so all changes join the caller's
// write batch.
type Store[T any] struct {
	name  string
	codec Codec[T]

	metaKey    []byte
	itemPrefix string
}

// New returns a Store for the queue with the given name. A nil codec selects
// JSONCodec.
func New[T any](name string, codec Codec[T]) *Store[T] {
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	return &Store[T]{
		name:       name,
		codec:      codec,
		metaKey:    []byte("q/" + name + "/meta"),
		itemPrefix: "q/" + name + "/i/",
	}
}

// Name returns the queue name.
func (s *Store[T]) Name() string {
	return s.name
}

type cursors struct {
	start uint64
	end   uint64
}

func (c cursors) len() uint64 {
	return c.end - c.start
}

func (s *Store[T]) loadCursors(r kvstore.Reader) (cursors, error) {
	raw, found, err := r.Get(s.metaKey)
	if err != nil {
		return cursors{}, fmt.Errorf("failed to read queue %s meta: %w", s.name, err)
	}
	if !found {
		return cursors{}, nil
	}
	if len(raw) != 16 {
		return cursors{}, fmt.Errorf("corrupt meta for queue %s", s.name)
	}
	start, _ := kvstore.DecodeUint64(raw[:8])
	end, _ := kvstore.DecodeUint64(raw[8:])
	if end < start {
		return cursors{}, fmt.Errorf("corrupt cursors for queue %s", s.name)
	}
	return cursors{start: start, end: end}, nil
}

func (s *Store[T]) saveCursors(w kvstore.Writer, c cursors) error {
	raw := make([]byte, 0, 16)
	raw = append(raw, kvstore.EncodeUint64(c.start)...)
	raw = append(raw, kvstore.EncodeUint64(c.end)...)
	if err := w.Set(s.metaKey, raw); err != nil {
		return fmt.Errorf("failed to write queue %s meta: %w", s.name, err)
	}
	return nil
}

func (s *Store[T]) slotKey(slot uint64) []byte {
	return kvstore.Key(s.itemPrefix, slot)
}

func (s *Store[T]) readSlot(r kvstore.Reader, slot uint64) ([]byte, error) {
	raw, found, err := r.Get(s.slotKey(slot))
	if err != nil {
		return nil, fmt.Errorf("failed to read queue %s slot %d: %w", s.name, slot, err)
	}
	if !found {
		return nil, fmt.Errorf("missing item in queue %s slot %d", s.name, slot)
	}
	return raw, nil
}

func (s *Store[T]) decode(raw []byte) (T, error) {
	v, err := s.codec.Decode(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to decode queue %s item: %w", s.name, err)
	}
	return v, nil
}

// Len returns the number of items in the queue.
func (s *Store[T]) Len(r kvstore.Reader) (uint64, error) {
	c, err := s.loadCursors(r)
	if err != nil {
		return 0, err
	}
	return c.len(), nil
}

// PushBack appends an item to the back of the queue.
func (s *Store[T]) PushBack(rw kvstore.ReadWriter, item T) error {
	c, err := s.loadCursors(rw)
	if err != nil {
		return err
	}
	raw, err := s.codec.Encode(item)
	if err != nil {
		return fmt.Errorf("failed to encode queue %s item: %w", s.name, err)
	}
	if err := rw.Set(s.slotKey(c.end), raw); err != nil {
		return fmt.Errorf("failed to write queue %s item: %w", s.name, err)
	}
	c.end++
	return s.saveCursors(rw, c)
}

// PopFront removes and returns the front item. ok is false when the queue is
// empty.
func (s *Store[T]) PopFront(rw kvstore.ReadWriter) (item T, ok bool, err error) {
	c, err := s.loadCursors(rw)
	if err != nil {
		return item, false, err
	}
	if c.len() == 0 {
		return item, false, nil
	}

	raw, err := s.readSlot(rw, c.start)
	if err != nil {
		return item, false, err
	}
	item, err = s.decode(raw)
	if err != nil {
		return item, false, err
	}

	if err := rw.Delete(s.slotKey(c.start)); err != nil {
		return item, false, fmt.Errorf("failed to delete queue %s item: %w", s.name, err)
	}
	c.start++
	if err := s.saveCursors(rw, c); err != nil {
		return item, false, err
	}
	return item, true, nil
}

// Peek returns the item at logical position index without removing it.
func (s *Store[T]) Peek(r kvstore.Reader, index uint64) (T, error) {
	var zero T
	c, err := s.loadCursors(r)
	if err != nil {
		return zero, err
	}
	if index >= c.len() {
		return zero, ErrIndexOutOfBounds
	}
	raw, err := s.readSlot(r, c.start+index)
	if err != nil {
		return zero, err
	}
	return s.decode(raw)
}

// InsertAt places item at logical position index, shifting the items at
// index and after one position towards the back. index == Len appends.
func (s *Store[T]) InsertAt(rw kvstore.ReadWriter, index uint64, item T) error {
	c, err := s.loadCursors(rw)
	if err != nil {
		return err
	}
	if index > c.len() {
		return ErrIndexOutOfBounds
	}
	if index == c.len() {
		return s.PushBack(rw, item)
	}

	target := c.start + index
	for slot := c.end; slot > target; slot-- {
		raw, err := s.readSlot(rw, slot-1)
		if err != nil {
			return err
		}
		if err := rw.Set(s.slotKey(slot), raw); err != nil {
			return fmt.Errorf("failed to shift queue %s item: %w", s.name, err)
		}
	}

	raw, err := s.codec.Encode(item)
	if err != nil {
		return fmt.Errorf("failed to encode queue %s item: %w", s.name, err)
	}
	if err := rw.Set(s.slotKey(target), raw); err != nil {
		return fmt.Errorf("failed to write queue %s item: %w", s.name, err)
	}
	c.end++
	return s.saveCursors(rw, c)
}

// RemoveAt removes and returns the item at logical position index. Index 0
// is equivalent to PopFront.
func (s *Store[T]) RemoveAt(rw kvstore.ReadWriter, index uint64) (T, error) {
	var zero T
	c, err := s.loadCursors(rw)
	if err != nil {
		return zero, err
	}
	if index >= c.len() {
		return zero, ErrIndexOutOfBounds
	}
	if index == 0 {
		item, _, err := s.PopFront(rw)
		return item, err
	}

	target := c.start + index
	raw, err := s.readSlot(rw, target)
	if err != nil {
		return zero, err
	}
	item, err := s.decode(raw)
	if err != nil {
		return zero, err
	}

	for slot := target; slot+1 < c.end; slot++ {
		next, err := s.readSlot(rw, slot+1)
		if err != nil {
			return zero, err
		}
		if err := rw.Set(s.slotKey(slot), next); err != nil {
			return zero, fmt.Errorf("failed to shift queue %s item: %w", s.name, err)
		}
	}

	if err := rw.Delete(s.slotKey(c.end - 1)); err != nil {
		return zero, fmt.Errorf("failed to delete queue %s item: %w", s.name, err)
	}
	c.end--
	if err := s.saveCursors(rw, c); err != nil {
		return zero, err
	}
	return item, nil
}

// Range returns the items at logical positions [from, to) in the requested
// order. Descending returns the same positions back to front.
func (s *Store[T]) Range(r kvstore.Reader, from, to uint64, order Order) ([]T, error) {
	c, err := s.loadCursors(r)
	if err != nil {
		return nil, err
	}
	if from > to || to > c.len() {
		return nil, ErrInvalidRange
	}

	items := make([]T, 0, to-from)
	lower := s.slotKey(c.start + from)
	upper := s.slotKey(c.start + to)

	err = r.Scan(lower, upper, order == Descending, func(_, value []byte) error {
		item, err := s.decode(value)
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if uint64(len(items)) != to-from {
		return nil, fmt.Errorf("queue %s has missing items in range [%d, %d)", s.name, from, to)
	}
	return items, nil
}
