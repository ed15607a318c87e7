package codec

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Json кодирует сообщение в одну строку JSON, завершенную переводом строки,
// чтобы сообщения можно было читать из потока построчно.
type Json[T any] struct {
}

func NewJson[T any]() *Json[T] {
	return &Json[T]{}
}

func (j *Json[T]) Encode(t T) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("error marshal to json. %w", err)
	}
	return append(b, '\n'), nil
}

func (j *Json[T]) Decode(b []byte) (T, error) {
	var v T
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return v, fmt.Errorf("error unmarshal json: empty frame")
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("error unmarshal json. %w", err)
	}
	return v, nil
}
