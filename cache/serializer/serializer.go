// Package serializer 缓存值的编解码。
package serializer

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/controlplane/xerrors"
)

const (
	TypeJSON    = "json"
	TypeMsgpack = "msgpack"
)

// ErrUnsupportedSerializer 不支持的序列化器类型
var ErrUnsupportedSerializer = xerrors.New("serializer: unsupported type")

// Serializer 定义序列化接口
type Serializer interface {
	Marshal(value any) ([]byte, error)
	Unmarshal(data []byte, dest any) error
}

// JSONSerializer JSON 序列化器
type JSONSerializer struct{}

func (JSONSerializer) Marshal(value any) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONSerializer) Unmarshal(data []byte, dest any) error {
	return json.Unmarshal(data, dest)
}

// MessagePackSerializer MessagePack 序列化器，体积小于 JSON，[]byte 字段不做 base64
type MessagePackSerializer struct{}

func (MessagePackSerializer) Marshal(value any) ([]byte, error) {
	return msgpack.Marshal(value)
}

func (MessagePackSerializer) Unmarshal(data []byte, dest any) error {
	return msgpack.Unmarshal(data, dest)
}

// New 创建序列化器，空字符串视为 json
func New(serializerType string) (Serializer, error) {
	switch serializerType {
	case TypeJSON, "":
		return JSONSerializer{}, nil
	case TypeMsgpack:
		return MessagePackSerializer{}, nil
	default:
		return nil, ErrUnsupportedSerializer
	}
}
