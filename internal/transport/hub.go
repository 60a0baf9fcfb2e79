package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/correlator"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// Hub 维护会话 ID 到连接的索引，并作为关联器的 Dispatcher 把 performFetch 写到对应连接。
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

var (
	_ correlator.Dispatcher = (*Hub)(nil)
	_ relay.SessionCloser   = (*Hub)(nil)
)

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// Register 登记连接，ID 重复时返回错误，避免覆盖旧连接。
func (h *Hub) Register(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[c.id]; exists {
		return merr.WrapErrSessionExists(c.id)
	}
	h.conns[c.id] = c
	return nil
}

// Unregister 仅在索引中的连接就是 c 时移除。
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
}

func (h *Hub) Get(id string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Dispatch 实现 correlator.Dispatcher。
func (h *Hub) Dispatch(ctx context.Context, sessionID string, cmd *protocol.Command) error {
	c, ok := h.Get(sessionID)
	if !ok {
		return merr.WrapErrSessionNotFound(sessionID, "no connection")
	}
	return c.SendEvent(ctx, protocol.EventPerformFetch, 0, cmd)
}

// CloseSession 以 CloseGoingAway 关闭会话对应的连接，连接不存在时返回 false。
func (h *Hub) CloseSession(sessionID, reason string) bool {
	c, ok := h.Get(sessionID)
	if !ok {
		return false
	}
	c.Close(websocket.CloseGoingAway, reason)
	return true
}

// CloseAll 关闭所有连接。
func (h *Hub) CloseAll(code int, reason string) {
	h.mu.RLock()
	snapshot := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		c.Close(code, reason)
	}
}
