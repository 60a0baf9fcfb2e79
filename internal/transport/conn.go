package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// Conn 是一个已通过准入的 WebSocket 会话连接。
//
// 所有写操作都经由 sendQueue 交给唯一的发送协程执行，避免多个 goroutine 并发写 websocket.Conn。
type Conn struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	ws         *websocket.Conn
	cfg        Config
	remoteAddr net.Addr
	sendQueue  chan []byte

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64

	closeOnce sync.Once
	logger    *log.MLogger
}

func newConn(parent context.Context, id string, ws *websocket.Conn, cfg Config) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		ws:         ws,
		cfg:        cfg,
		remoteAddr: ws.RemoteAddr(),
		sendQueue:  make(chan []byte, cfg.SendQueueSize),
		logger:     log.With(log.FieldComponent("transport"), log.FieldSessionID(id)),
	}
	go c.sendLoop()
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) RemoteAddr() net.Addr { return c.remoteAddr }

// Sent 返回已写出的帧数量。
func (c *Conn) Sent() uint64 { return c.sent.Load() }

// Received 返回已读到的帧数量。
func (c *Conn) Received() uint64 { return c.received.Load() }

// Send 将一帧投递到发送队列。连接关闭或 ctx 取消时返回错误。
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.ctx.Done():
		return merr.WrapErrConnectionClosed(c.id, "")
	case <-ctx.Done():
		return ctx.Err()
	case c.sendQueue <- frame:
		return nil
	}
}

// SendEvent 编码并发送一个事件。
func (c *Conn) SendEvent(ctx context.Context, t protocol.EventType, ack uint64, data any) error {
	frame, err := protocol.Encode(t, ack, data)
	if err != nil {
		c.logger.Warn("encode event failed", log.FieldStage(StageEncode), log.FieldEvent(t), zap.Error(err))
		return err
	}
	return c.Send(ctx, frame)
}

// Close 关闭连接，可重复调用。
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
		c.logger.Debug("connection closed",
			zap.Int("code", code),
			zap.Uint64("sent", c.sent.Load()),
			zap.Uint64("received", c.received.Load()),
			zap.Uint64("dropped", c.dropped.Load()))
	})
}

// sendLoop 为每个连接启动的专职发送协程，同时负责定期发送 ping。
func (c *Conn) sendLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendQueue:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write frame failed", log.FieldStage(StageSend), zap.Error(err))
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
			c.sent.Inc()
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// readLoop 按到达顺序读取帧并交给 fn 处理，返回连接结束的原因；对端正常关闭时返回 nil。
func (c *Conn) readLoop(fn func(frame []byte)) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			if c.ctx.Err() != nil {
				return nil
			}
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if messageType != websocket.TextMessage {
			c.dropped.Inc()
			continue
		}
		c.received.Inc()
		fn(data)
	}
}
