package transport

import (
	"context"
	"fmt"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// HandlerFunc 处理一条已解码的事件。
type HandlerFunc func(ctx context.Context, c *Conn, env *protocol.Envelope) error

// Router 维护事件类型到处理函数的映射。
type Router struct {
	routes map[protocol.EventType]HandlerFunc
}

func NewRouter() *Router {
	return &Router{routes: make(map[protocol.EventType]HandlerFunc)}
}

// Register 为事件类型注册处理函数，同一事件不允许重复注册。
func (r *Router) Register(t protocol.EventType, h HandlerFunc) error {
	if t == "" {
		return fmt.Errorf("router: event type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("router: handler is nil for event=%s", t)
	}
	if _, exists := r.routes[t]; exists {
		return fmt.Errorf("router: event=%s already registered", t)
	}
	r.routes[t] = h
	return nil
}

// Handle 将事件交给对应的处理函数，未注册的事件返回 ErrProtocolMalformed。
func (r *Router) Handle(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	h, ok := r.routes[env.Type]
	if !ok {
		return merr.WrapErrProtocolMalformed("unexpected event " + string(env.Type))
	}
	return h(ctx, c, env)
}
