package log

import (
	"go.uber.org/zap"
)

// 中继日志中通用的字段名，保持各模块一致便于检索。
const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSessionID = "sessionID"
	FieldNameRequestID = "requestID"
	FieldNameSource    = "source"
	FieldNameIdentity  = "identity"
	FieldNameEvent     = "event"
	FieldNameStage     = "stage"
)

func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

func FieldSessionID(id string) zap.Field {
	return zap.String(FieldNameSessionID, id)
}

func FieldRequestID(id string) zap.Field {
	return zap.String(FieldNameRequestID, id)
}

// FieldSource 为连接的来源地址。
func FieldSource(addr string) zap.Field {
	return zap.String(FieldNameSource, addr)
}

func FieldIdentity(identity string) zap.Field {
	return zap.String(FieldNameIdentity, identity)
}

// FieldEvent 为协议事件名，如 execute、fetchComplete。
func FieldEvent[T ~string](event T) zap.Field {
	return zap.String(FieldNameEvent, string(event))
}

// FieldStage 标记错误发生在连接处理的哪个阶段。
func FieldStage[T ~string](stage T) zap.Field {
	return zap.String(FieldNameStage, string(stage))
}
