package cluster

import (
	"encoding/binary"
	"errors"

	xxhash "github.com/cespare/xxhash/v2"
	cbor "github.com/fxamacker/cbor/v2"
)

// KeyCodec maps K <-> []byte for wire/hashing. Must be stable across nodes.
type KeyCodec[K any] interface {
	EncodeKey(K) []byte
	DecodeKey([]byte) (K, error)
}

// KeyHasher optional fast-path (zero-copy hash of K).
type KeyHasher[K any] interface {
	Hash64(K) uint64
}

// String keys: encode to raw bytes; xxhash for hashing.
type StringKeyCodec[K ~string] struct{}

func (StringKeyCodec[K]) EncodeKey(k K) []byte          { return []byte(string(k)) }
func (StringKeyCodec[K]) DecodeKey(b []byte) (K, error) { return K(string(b)), nil }
func (StringKeyCodec[K]) Hash64(k K) uint64             { return xxhash.Sum64String(string(k)) }

type Uint64KeyCodec[K ~uint64] struct{}

func (Uint64KeyCodec[K]) EncodeKey(k K) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(k))
	return buf[:]
}

func (Uint64KeyCodec[K]) DecodeKey(b []byte) (K, error) {
	if len(b) != 8 {
		return *new(K), errors.New("invalid uint64 key length")
	}
	return K(binary.BigEndian.Uint64(b)), nil
}

func (Uint64KeyCodec[K]) Hash64(k K) uint64 {
	return mix64(uint64(k))
}

// Codec abstracts value encoding for the wire. Must be deterministic and
// stable across nodes so near and primary tiers agree on value bytes.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// BytesCodec: pass-through []byte (no copy on Encode; Decode returns a copy).
type BytesCodec struct{}

func (BytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (BytesCodec) Decode(b []byte) ([]byte, error) { out := append([]byte(nil), b...); return out, nil }

type CBORCodec[V any] struct{}

func (CBORCodec[V]) Encode(v V) ([]byte, error) { return cbor.Marshal(v) }
func (CBORCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := cbor.Unmarshal(b, &v)
	return v, err
}
