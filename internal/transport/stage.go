package transport

// Stage 表示连接收发链路中的处理阶段，用于在日志中标记错误发生的位置。
type Stage string

const (
	StageHandshake Stage = "handshake"
	StageRecv      Stage = "recv"     // 读取 WebSocket 帧
	StageDecode    Stage = "decode"   // 帧 -> Envelope
	StageDispatch  Stage = "dispatch" // Envelope -> 事件处理
	StageEncode    Stage = "encode"   // 事件 -> 帧
	StageSend      Stage = "send"     // 写出帧
)
