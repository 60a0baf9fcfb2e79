// Package json 统一项目内的 JSON 编解码实现，基于 bytedance/sonic。
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
)

// api 与 encoding/json 行为保持一致（转义 HTML、map key 排序、校验 UTF-8）。
var api = sonic.ConfigStd

// RawMessage 为延迟解码的原始 JSON，sonic 对其按原样编码。
type RawMessage = stdjson.RawMessage

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func MarshalToString(v any) (string, error) {
	return api.MarshalToString(v)
}

func Valid(data []byte) bool {
	return api.Valid(data)
}
