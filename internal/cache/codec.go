package cache

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec 缓存值的编解码。
type Codec interface {
	Marshal(value any) ([]byte, error)
	Unmarshal(data []byte, dest any) error
}

type jsonCodec struct{}

func (jsonCodec) Marshal(value any) ([]byte, error)      { return json.Marshal(value) }
func (jsonCodec) Unmarshal(data []byte, dest any) error { return json.Unmarshal(data, dest) }

// msgpackCodec 体积更小，但缓存内容不再可读。
type msgpackCodec struct{}

func (msgpackCodec) Marshal(value any) ([]byte, error)      { return msgpack.Marshal(value) }
func (msgpackCodec) Unmarshal(data []byte, dest any) error { return msgpack.Unmarshal(data, dest) }

// NewCodec 支持 "json"（默认）与 "msgpack"。
func NewCodec(name string) (Codec, error) {
	switch name {
	case "json", "":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("cache: unsupported codec %q", name)
	}
}
