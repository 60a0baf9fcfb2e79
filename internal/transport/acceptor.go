// Package transport 是中继的 WebSocket 接入层。
//
// 每条连接在升级前完成版本与准入检查，升级后：
//   - 读协程按到达顺序处理事件，fetchComplete/fetchError 在读协程内直接交给引擎；
//   - execute 需要等待结果，因此提交到共享协程池执行，不阻塞同一连接上后续结果事件的投递；
//   - 所有写操作经由连接的发送队列串行执行。
package transport

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/admission"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/session"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/conc"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

const (
	// HeaderIdentity 为握手时携带身份的请求头，优先级低于 query 参数 identity。
	HeaderIdentity = "X-Relay-Identity"

	queryIdentity = "identity"
	queryVersion  = "version"
)

// Engine 是接入层依赖的中继引擎能力。
type Engine interface {
	CheckVersion(version string) error
	Connect(sourceAddress, identity, origin string) (session.Session, error)
	Execute(ctx context.Context, sessionID string, cmd *protocol.Command) *conc.Future[*protocol.FetchResult]
	Complete(sessionID string, result *protocol.FetchResult) bool
	Fail(sessionID string, fe *protocol.FetchError) bool
	Disconnect(sessionID string) bool
}

// Acceptor 处理 WebSocket 升级并驱动每条连接的生命周期，实现 http.Handler。
type Acceptor struct {
	cfg      Config
	engine   Engine
	hub      *Hub
	router   *Router
	pool     *conc.Pool[struct{}]
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	logger *log.MLogger
}

// NewAcceptor 创建接入器。hub 必须与创建 engine 时使用的 Dispatcher 是同一个实例。
func NewAcceptor(cfg Config, engine Engine, hub *Hub) *Acceptor {
	cfg.FillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Acceptor{
		cfg:    cfg,
		engine: engine,
		hub:    hub,
		router: NewRouter(),
		pool: conc.NewPool[struct{}](cfg.ExecuteWorkers,
			conc.WithName("execute"),
			conc.WithNonBlocking(true),
			conc.WithConcealPanic(true)),
		upgrader: websocket.Upgrader{
			// 来源校验已由准入控制完成。
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(log.FieldComponent("acceptor")),
	}
	_ = a.router.Register(protocol.EventExecute, a.handleExecute)
	_ = a.router.Register(protocol.EventFetchComplete, a.handleFetchComplete)
	_ = a.router.Register(protocol.EventFetchError, a.handleFetchError)
	return a
}

// Path 返回接入路径。
func (a *Acceptor) Path() string {
	return a.cfg.Path
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.closed.Load() {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	source := a.sourceAddress(r)
	identity := r.URL.Query().Get(queryIdentity)
	if identity == "" {
		identity = r.Header.Get(HeaderIdentity)
	}
	origin := r.Header.Get("Origin")

	if err := a.engine.CheckVersion(r.URL.Query().Get(queryVersion)); err != nil {
		a.reject(w, source, err)
		return
	}
	sess, err := a.engine.Connect(source, identity, origin)
	if err != nil {
		a.reject(w, source, err)
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已向客户端写回错误响应。
		a.logger.Info("websocket upgrade failed",
			log.FieldStage(StageHandshake),
			log.FieldSessionID(sess.ID),
			zap.Error(err))
		a.engine.Disconnect(sess.ID)
		return
	}

	a.wg.Add(1)
	defer a.wg.Done()
	a.serveConn(sess, ws)
}

// reject 在升级之前拒绝握手。
func (a *Acceptor) reject(w http.ResponseWriter, source string, err error) {
	var status int
	var denied *admission.DeniedError
	switch {
	case errors.As(err, &denied) && denied.Reason == admission.ReasonTooManyAttempts:
		status = http.StatusTooManyRequests
	case errors.Is(err, merr.ErrProtocolVersion):
		status = http.StatusUpgradeRequired
	case errors.Is(err, merr.ErrSessionLimitExceeded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, merr.ErrAdmissionDenied):
		status = http.StatusForbidden
	default:
		status = http.StatusInternalServerError
	}
	a.logger.RatedInfo(1, "handshake rejected",
		log.FieldStage(StageHandshake),
		log.FieldSource(source),
		zap.Int("status", status),
		zap.Error(err))
	http.Error(w, err.Error(), status)
}

func (a *Acceptor) serveConn(sess session.Session, ws *websocket.Conn) {
	ctx := log.WithSessionID(a.ctx, sess.ID)
	ctx, span := log.NewIntentContext(ctx, "relay", "session")
	defer span.End()

	c := newConn(ctx, sess.ID, ws, a.cfg)
	if err := a.hub.Register(c); err != nil {
		log.Ctx(ctx).Warn("register connection failed", zap.Error(err))
		c.Close(websocket.CloseInternalServerErr, "duplicate session")
		a.engine.Disconnect(sess.ID)
		return
	}

	var cause error
	defer func() {
		a.hub.Unregister(c)
		a.engine.Disconnect(sess.ID)
		c.Close(websocket.CloseNormalClosure, "")
		log.Ctx(ctx).Info("connection finished", zap.Error(cause))
	}()

	if err := c.SendEvent(ctx, protocol.EventReady, 0, &protocol.Ready{SessionID: sess.ID, Version: protocol.Version}); err != nil {
		cause = err
		return
	}
	log.Ctx(ctx).Info("connection established", zap.Stringer("remote", c.RemoteAddr()))

	cause = c.readLoop(func(frame []byte) {
		a.handleFrame(ctx, c, frame)
	})
}

func (a *Acceptor) handleFrame(ctx context.Context, c *Conn, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		log.Ctx(ctx).RatedWarn(1, "malformed frame", log.FieldStage(StageDecode), zap.Error(err))
		return
	}
	if err := a.router.Handle(ctx, c, env); err != nil {
		log.Ctx(ctx).RatedWarn(1, "handle event failed",
			log.FieldStage(StageDispatch),
			log.FieldEvent(env.Type),
			zap.Error(err))
		if env.Ack > 0 {
			_ = c.SendEvent(ctx, protocol.EventAck, env.Ack, protocol.NewAck(nil, err))
		}
	}
}

// handleExecute 在协程池中等待执行结果，完成后以 ack 应答。
func (a *Acceptor) handleExecute(ctx context.Context, c *Conn, env *protocol.Envelope) error {
	var cmd protocol.Command
	if err := env.DecodeData(&cmd); err != nil {
		return err
	}
	ack := env.Ack
	f := a.pool.Submit(func() (struct{}, error) {
		result, err := a.engine.Execute(ctx, c.ID(), &cmd).Await()
		if ack == 0 {
			return struct{}{}, nil
		}
		return struct{}{}, c.SendEvent(ctx, protocol.EventAck, ack, protocol.NewAck(result, err))
	})
	// 协程池为非阻塞模式，池满时 Submit 立即返回错误，读协程不会被阻塞。
	if f.Done() && errors.Is(f.Err(), merr.ErrServiceTooManyRequests) {
		return f.Err()
	}
	return nil
}

func (a *Acceptor) handleFetchComplete(_ context.Context, c *Conn, env *protocol.Envelope) error {
	var result protocol.FetchResult
	if err := env.DecodeData(&result); err != nil {
		return err
	}
	a.engine.Complete(c.ID(), &result)
	return nil
}

func (a *Acceptor) handleFetchError(_ context.Context, c *Conn, env *protocol.Envelope) error {
	var fe protocol.FetchError
	if err := env.DecodeData(&fe); err != nil {
		return err
	}
	a.engine.Fail(c.ID(), &fe)
	return nil
}

func (a *Acceptor) sourceAddress(r *http.Request) string {
	if a.cfg.TrustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Connections 返回当前在线连接数。
func (a *Acceptor) Connections() int {
	return a.hub.Count()
}

// Close 拒绝新的握手，关闭所有连接并等待其退出。
func (a *Acceptor) Close() {
	if !a.closed.CompareAndSwap(false, true) {
		return
	}
	a.cancel()
	a.hub.CloseAll(websocket.CloseGoingAway, "relay shutting down")
	a.wg.Wait()
	a.pool.Release()
}
