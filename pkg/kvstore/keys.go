package kvstore

import (
	"encoding/binary"
	"errors"
)

// Key builds a composite key from a string prefix and a big-endian uint64, so
// that numeric ordering matches byte ordering.
func Key(prefix string, n uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], n)
	return k
}

// DecodeKey returns the uint64 suffix of a key built with Key.
func DecodeKey(prefix string, key []byte) (uint64, error) {
	if len(key) != len(prefix)+8 || string(key[:len(prefix)]) != prefix {
		return 0, errors.New("kvstore: key does not match prefix")
	}
	return binary.BigEndian.Uint64(key[len(prefix):]), nil
}

// PrefixEnd returns the smallest key greater than every key with the prefix.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// EncodeUint64 encodes n as 8 big-endian bytes.
func EncodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// DecodeUint64 decodes 8 big-endian bytes.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.New("kvstore: invalid uint64 encoding")
	}
	return binary.BigEndian.Uint64(b), nil
}
