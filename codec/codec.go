package codec

// Codec преобразует сообщение в байты и обратно
type Codec[T any] interface {
	Encode(t T) ([]byte, error)
	Decode(b []byte) (T, error)
}
