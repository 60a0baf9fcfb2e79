// Package agent 实现中继的客户端一侧：连接中继、在本地网络执行 performFetch 并回传结果。
//
// 它等价于浏览器中的中继脚本，可用于无浏览器环境下的部署与端到端测试。
package agent

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/conc"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/retry"
)

// Agent 维护到中继的一条连接，断线后按指数退避自动重连。
type Agent struct {
	cfg     Config
	dialer  *websocket.Dialer
	fetcher Fetcher

	nextAck atomic.Uint64

	mu   sync.Mutex
	conn *clientConn
	acks map[uint64]chan *protocol.Ack

	readyOnce sync.Once
	ready     chan struct{}

	logger *log.MLogger
}

type Option func(*Agent)

// WithFetcher 替换本地请求的执行方式。
func WithFetcher(f Fetcher) Option {
	return func(a *Agent) {
		a.fetcher = f
	}
}

func New(cfg Config, opts ...Option) *Agent {
	cfg.FillDefaults()
	a := &Agent{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		fetcher: NewHTTPFetcher(cfg.FetchTimeout, cfg.MaxResponseSize),
		acks:    make(map[uint64]chan *protocol.Ack),
		ready:   make(chan struct{}),
		logger:  log.With(log.FieldComponent("agent")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ready 在第一次成功建立会话后关闭。
func (a *Agent) Ready() <-chan struct{} {
	return a.ready
}

// SessionID 返回当前会话 ID，未连接时为空。
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return ""
	}
	return a.conn.sessionID
}

// Run 建立连接并处理事件，断线后自动重连，直到 ctx 取消或遇到不可恢复的握手错误。
func (a *Agent) Run(ctx context.Context) error {
	var cc *clientConn
	err := retry.Do(ctx, func() error {
		var err error
		cc, err = a.connect(ctx)
		if err != nil && isPermanent(err) {
			return retry.Unrecoverable(err)
		}
		return err
	}, retry.Attempts(a.cfg.DialAttempts),
		retry.Sleep(a.cfg.ReconnectInitial),
		retry.MaxSleepTime(a.cfg.ReconnectMax),
		retry.OnRetry(func(attempt uint, err error, wait time.Duration) {
			a.logger.Info("dial relay failed", zap.Uint("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}))
	if err != nil {
		return err
	}

	for {
		cause := a.serve(ctx, cc)
		if ctx.Err() != nil {
			return nil
		}
		a.logger.Warn("connection lost, reconnecting", zap.Error(cause))

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = a.cfg.ReconnectInitial
		b.MaxInterval = a.cfg.ReconnectMax
		b.MaxElapsedTime = a.cfg.ReconnectMaxElapsed
		err := backoff.RetryNotify(func() error {
			var err error
			cc, err = a.connect(ctx)
			if err != nil && isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
			a.logger.RatedInfo(1, "reconnect failed", zap.Duration("next", next), zap.Error(err))
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// connect 拨号并等待 ready 事件。
func (a *Agent) connect(ctx context.Context) (*clientConn, error) {
	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	q := u.Query()
	q.Set("identity", a.cfg.Identity)
	q.Set("version", protocol.Version)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if a.cfg.Origin != "" {
		header.Set("Origin", a.cfg.Origin)
	}

	ws, resp, err := a.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &handshakeError{status: resp.StatusCode, err: err}
		}
		return nil, err
	}

	_ = ws.SetReadDeadline(time.Now().Add(a.cfg.HandshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, errors.Wrap(err, "wait ready")
	}
	_ = ws.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err == nil && env.Type != protocol.EventReady {
		err = merr.WrapErrProtocolMalformed("expect ready, got " + string(env.Type))
	}
	var ready protocol.Ready
	if err == nil {
		err = env.DecodeData(&ready)
	}
	if err != nil {
		ws.Close()
		return nil, err
	}

	cc := newClientConn(ctx, ws, ready.SessionID, a.cfg)
	a.mu.Lock()
	a.conn = cc
	a.mu.Unlock()
	a.readyOnce.Do(func() { close(a.ready) })
	a.logger.Info("relay session ready", log.FieldSessionID(ready.SessionID), zap.String("version", ready.Version))
	return cc, nil
}

// serve 处理一条连接上的事件，直到连接断开。
func (a *Agent) serve(ctx context.Context, cc *clientConn) error {
	defer func() {
		cc.close()
		a.mu.Lock()
		if a.conn == cc {
			a.conn = nil
		}
		a.mu.Unlock()
		a.failPendingAcks(cc.sessionID)
	}()

	stop := context.AfterFunc(ctx, cc.close)
	defer stop()

	for {
		_, data, err := cc.ws.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			a.logger.RatedWarn(1, "malformed frame from relay", zap.Error(err))
			continue
		}
		switch env.Type {
		case protocol.EventPerformFetch:
			var cmd protocol.Command
			if err := env.DecodeData(&cmd); err != nil {
				a.logger.RatedWarn(1, "malformed performFetch", zap.Error(err))
				continue
			}
			conc.Go(func() (struct{}, error) {
				a.perform(cc, &cmd)
				return struct{}{}, nil
			})
		case protocol.EventAck:
			var ack protocol.Ack
			if err := env.DecodeData(&ack); err != nil {
				a.logger.RatedWarn(1, "malformed ack", zap.Error(err))
				continue
			}
			a.deliverAck(env.Ack, &ack)
		default:
			a.logger.Debug("ignore event", log.FieldEvent(env.Type))
		}
	}
}

// perform 执行命令并回传 fetchComplete 或 fetchError。
func (a *Agent) perform(cc *clientConn, cmd *protocol.Command) {
	ctx, cancel := context.WithTimeout(cc.ctx, a.cfg.FetchTimeout)
	defer cancel()

	logger := a.logger.With(log.FieldSessionID(cc.sessionID), log.FieldRequestID(cmd.RequestID))
	result, err := a.fetcher.Fetch(ctx, cmd)
	if err != nil {
		logger.Info("fetch failed", zap.String("url", cmd.URL), zap.Error(err))
		_ = cc.sendEvent(protocol.EventFetchError, 0, &protocol.FetchError{RequestID: cmd.RequestID, Error: err.Error()})
		return
	}
	result.RequestID = cmd.RequestID
	logger.Debug("fetch completed", zap.Int("status", result.Status), zap.Int64("time", result.Time))
	_ = cc.sendEvent(protocol.EventFetchComplete, 0, result)
}

// Execute 请求中继执行一条命令并等待 ack。RequestID 为空时生成一个 uuid。
func (a *Agent) Execute(ctx context.Context, cmd *protocol.Command) (*protocol.FetchResult, error) {
	if cmd.RequestID == "" {
		c := *cmd
		c.RequestID = uuid.NewString()
		cmd = &c
	}
	a.mu.Lock()
	cc := a.conn
	if cc == nil {
		a.mu.Unlock()
		return nil, merr.ErrServiceNotReady
	}
	id := a.nextAck.Inc()
	ch := make(chan *protocol.Ack, 1)
	a.acks[id] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.acks, id)
		a.mu.Unlock()
	}()

	if err := cc.sendEvent(protocol.EventExecute, id, cmd); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ack := <-ch:
		if !ack.OK {
			return nil, merr.Error(ack.Error)
		}
		return ack.Result, nil
	}
}

func (a *Agent) deliverAck(id uint64, ack *protocol.Ack) {
	a.mu.Lock()
	ch, ok := a.acks[id]
	a.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (a *Agent) failPendingAcks(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.acks {
		select {
		case ch <- protocol.NewAck(nil, merr.WrapErrConnectionClosed(sessionID, "")):
		default:
		}
		delete(a.acks, id)
	}
}

type handshakeError struct {
	status int
	err    error
}

func (e *handshakeError) Error() string {
	return e.err.Error() + ": " + http.StatusText(e.status)
}

func (e *handshakeError) Unwrap() error { return e.err }

// isPermanent 判断握手错误是否不值得重试：身份或来源被拒、协议版本不兼容。
func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return true
	}
	var hs *handshakeError
	if !errors.As(err, &hs) {
		return false
	}
	return hs.status == http.StatusForbidden || hs.status == http.StatusUpgradeRequired
}
