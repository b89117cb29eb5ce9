package grid

import (
	"encoding/json"
)

// Codec translates application values to and from the bytes stored in the
// log. The grid never interprets encoded values.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

type funcCodec[T any] struct {
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)
}

func NewCodec[T any](encode func(T) ([]byte, error), decode func([]byte) (T, error)) Codec[T] {
	return &funcCodec[T]{
		encode: encode,
		decode: decode,
	}
}

func (c *funcCodec[T]) Encode(value T) ([]byte, error) {
	return c.encode(value)
}

func (c *funcCodec[T]) Decode(data []byte) (T, error) {
	return c.decode(data)
}

func StringCodec() Codec[string] {
	return NewCodec(
		func(s string) ([]byte, error) {
			return []byte(s), nil
		},
		func(data []byte) (string, error) {
			return string(data), nil
		},
	)
}

func BytesCodec() Codec[[]byte] {
	return NewCodec(
		func(data []byte) ([]byte, error) {
			return data, nil
		},
		func(data []byte) ([]byte, error) {
			return data, nil
		},
	)
}

func JSONCodec[T any]() Codec[T] {
	return NewCodec(
		func(value T) ([]byte, error) {
			return json.Marshal(value)
		},
		func(data []byte) (T, error) {
			var value T
			err := json.Unmarshal(data, &value)
			return value, err
		},
	)
}
