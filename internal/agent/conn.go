package agent

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/conc"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// clientConn 是代理端的一条连接，写操作由唯一的发送协程执行。
type clientConn struct {
	ws        *websocket.Conn
	sessionID string
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	sendQueue chan []byte
	closeOnce sync.Once
}

func newClientConn(parent context.Context, ws *websocket.Conn, sessionID string, cfg Config) *clientConn {
	ctx, cancel := context.WithCancel(parent)
	c := &clientConn{
		ws:        ws,
		sessionID: sessionID,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		sendQueue: make(chan []byte, cfg.SendQueueSize),
	}
	conc.Go(func() (struct{}, error) {
		c.sendLoop()
		return struct{}{}, nil
	})
	return c
}

func (c *clientConn) sendEvent(t protocol.EventType, ack uint64, data any) error {
	frame, err := protocol.Encode(t, ack, data)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return merr.WrapErrConnectionClosed(c.sessionID, "")
	case c.sendQueue <- frame:
		return nil
	}
}

func (c *clientConn) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendQueue:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
