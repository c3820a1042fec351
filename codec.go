package pgcache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes/decodes cached values to/from the bytes stored in the
// database (spec.md §4.2). Correctness requires Decode(Encode(v)) == v
// for every value T the caller stores. Encoding errors are fatal to the
// Set/Get-with-loader call that produced them (see ErrEncoding) and
// are never cached.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// formatTag identifies the wire format of the first byte of every
// payload produced by MsgpackCodec, so a future format can be
// introduced without breaking rows written by an older client.
type formatTag byte

const formatMsgpackV1 formatTag = 1

// MsgpackCodec is the default Codec: a version-tagged msgpack encoding.
// It is the pgcache analogue of the teacher's "self-describing binary
// format" requirement — msgpack gives compact, schema-less binary
// encoding already in the dependency graph (vmihailenco/msgpack/v5),
// and the leading format byte lets pgcache migrate encodings forward
// without a data migration.
type MsgpackCodec[T any] struct{}

// NewMsgpackCodec returns the default codec for T.
func NewMsgpackCodec[T any]() MsgpackCodec[T] { return MsgpackCodec[T]{} }

func (MsgpackCodec[T]) Encode(v T) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(formatMsgpackV1))
	out = append(out, body...)

	return out, nil
}

func (MsgpackCodec[T]) Decode(data []byte) (T, error) {
	var zero T

	if len(data) == 0 {
		return zero, fmt.Errorf("codec: empty payload")
	}

	switch formatTag(data[0]) {
	case formatMsgpackV1:
		var v T
		if err := msgpack.Unmarshal(data[1:], &v); err != nil {
			return zero, fmt.Errorf("msgpack decode: %w", err)
		}

		return v, nil
	default:
		return zero, fmt.Errorf("codec: unrecognized format tag %d", data[0])
	}
}
