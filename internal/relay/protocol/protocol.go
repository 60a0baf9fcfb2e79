// Package protocol 定义中继连接上交换的事件及其 JSON 帧格式。
//
// 每个 WebSocket 文本消息是一个 Envelope：
//
//	{"type": "execute", "ack": 7, "data": {...}}
//
// ack 仅出现在需要应答的事件（execute）及其应答（ack）上。
package protocol

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-garden-relay/internal/json"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// EventType 为事件名称。
type EventType string

const (
	// EventExecute 客户端 -> 服务端：请求执行一条中继命令，需要 ack。
	EventExecute EventType = "execute"
	// EventPerformFetch 服务端 -> 客户端：下发已通过校验的中继命令。
	EventPerformFetch EventType = "performFetch"
	// EventFetchComplete 客户端 -> 服务端：命令执行成功。
	EventFetchComplete EventType = "fetchComplete"
	// EventFetchError 客户端 -> 服务端：命令执行失败。
	EventFetchError EventType = "fetchError"
	// EventReady 服务端 -> 客户端：会话建立后发送一次。
	EventReady EventType = "ready"
	// EventAck 服务端 -> 客户端：对 execute 的应答。
	EventAck EventType = "ack"
)

// Envelope 是连接上传输的一帧。
type Envelope struct {
	Type EventType       `json:"type"`
	Ack  uint64          `json:"ack,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command 是一条中继命令，execute 与 performFetch 共用。
type Command struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
}

// FetchResult 是 fetchComplete 携带的执行结果。
type FetchResult struct {
	RequestID  string            `json:"requestId"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
	// Time 为对端执行耗时，单位毫秒。
	Time int64 `json:"time"`
	// Size 为响应体字节数。
	Size int64 `json:"size"`
}

// FetchError 是 fetchError 携带的错误信息。
type FetchError struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// Ready 是 ready 事件携带的会话信息。
type Ready struct {
	SessionID string `json:"sessionId"`
	Version   string `json:"version"`
}

// Ack 是 execute 的应答，OK 为 true 时 Result 有效，否则 Error 有效。
type Ack struct {
	OK     bool         `json:"ok"`
	Result *FetchResult `json:"result,omitempty"`
	Error  *merr.Status `json:"error,omitempty"`
}

// NewAck 根据执行结果构造应答。
func NewAck(result *FetchResult, err error) *Ack {
	if err != nil {
		return &Ack{Error: merr.NewStatus(err)}
	}
	return &Ack{OK: true, Result: result}
}

// Encode 将事件编码为一帧。
func Encode(t EventType, ack uint64, data any) ([]byte, error) {
	env := Envelope{Type: t, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "protocol: marshal %s payload", t)
		}
		env.Data = raw
	}
	return json.Marshal(&env)
}

// Decode 解析一帧，仅校验外层结构，Data 延迟解码。
func Decode(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, merr.WrapErrProtocolMalformed(err.Error())
	}
	if env.Type == "" {
		return nil, merr.WrapErrProtocolMalformed("missing event type")
	}
	return &env, nil
}

// DecodeData 将 Data 解码到 v。
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return merr.WrapErrProtocolMalformed(string(e.Type) + ": missing data")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return merr.WrapErrProtocolMalformed(string(e.Type) + ": " + err.Error())
	}
	return nil
}

// MarshalCommand 返回命令的序列化形式，用于大小校验与下发。
func MarshalCommand(cmd *Command) ([]byte, error) {
	return json.Marshal(cmd)
}
