// Package relay 组合准入控制、会话注册表、请求关联器与空闲回收器，对外提供中继引擎。
//
// Engine 持有各组件的唯一实例，不使用任何全局状态；传输层只通过 Engine 的方法驱动它。
package relay

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/admission"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/correlator"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/reaper"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/session"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/conc"
)

// Stats 为只读的运行时统计。
type Stats struct {
	ActiveSessions   int `json:"activeSessions"`
	PendingRequests  int `json:"pendingRequests"`
	TrackedAddresses int `json:"trackedAddresses"`
}

type Engine struct {
	cfg        Config
	clock      clock.Clock
	versions   *protocol.VersionGate
	admission  *admission.Controller
	registry   *session.Registry
	correlator *correlator.Correlator
	reaper     *reaper.Reaper
	newID      func() string
	closer     SessionCloser
	logger     *log.MLogger
}

// SessionCloser 关闭会话对应的底层连接，由传输层实现。
type SessionCloser interface {
	CloseSession(sessionID, reason string) bool
}

type Option func(*options)

type options struct {
	clock  clock.Clock
	newID  func() string
	closer SessionCloser
}

// WithClock 替换引擎内所有组件使用的时间源。
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithIDGenerator 替换会话 ID 生成方式，默认使用 uuid v4。
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

// WithSessionCloser 设置回收器销毁空闲会话后用于关闭其连接的实现。
func WithSessionCloser(c SessionCloser) Option {
	return func(o *options) {
		o.closer = c
	}
}

// New 创建中继引擎。dispatcher 负责把 performFetch 写到会话对应的连接上。
func New(cfg Config, dispatcher correlator.Dispatcher, opts ...Option) (*Engine, error) {
	cfg.FillDefaults()
	o := &options{clock: clock.New(), newID: uuid.NewString}
	for _, opt := range opts {
		opt(o)
	}

	versions, err := protocol.NewVersionGate(cfg.ProtocolVersions)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		clock:     o.clock,
		versions:  versions,
		admission: admission.NewController(cfg.Admission),
		closer:    o.closer,
		logger:    log.With(log.FieldModule("relay")),
	}
	e.correlator = correlator.New(dispatcher,
		correlator.WithClock(o.clock),
		correlator.WithDefaultTimeout(cfg.RequestTimeout),
		correlator.WithMaxPending(limit(cfg.MaxPendingRequests)),
		correlator.WithSessionCheck(func(sessionID string) bool {
			_, ok := e.registry.Lookup(sessionID)
			return ok
		}))
	e.registry = session.NewRegistry(e.correlator,
		session.WithClock(o.clock),
		session.WithMaxSessions(limit(cfg.MaxSessions)))
	e.reaper = reaper.New(cfg.Reaper, e.registry, e.admission, o.clock, reaper.WithOnReap(e.closeReaped))
	e.newID = o.newID
	return e, nil
}

// CheckVersion 校验客户端在握手时声明的协议版本，未声明时放行。
func (e *Engine) CheckVersion(version string) error {
	return e.versions.Check(version)
}

// Connect 对一次连接尝试做准入判定，通过后创建会话。
func (e *Engine) Connect(sourceAddress, identity, origin string) (session.Session, error) {
	decision := e.admission.Authorize(sourceAddress, identity, origin, e.clock.Now())
	if err := decision.Err(sourceAddress); err != nil {
		return session.Session{}, err
	}
	sess, err := e.registry.Create(e.newID(), identity, sourceAddress)
	if err != nil {
		e.logger.Warn("create session failed", log.FieldSource(sourceAddress), zap.Error(err))
		return session.Session{}, err
	}
	e.logger.Info("session connected",
		log.FieldSessionID(sess.ID),
		log.FieldIdentity(sess.Identity),
		log.FieldSource(sourceAddress))
	return sess, nil
}

// Execute 刷新会话活跃时间并提交一条中继命令。
// 会话不存在时返回以 ErrSessionNotFound 失败的 Future。
func (e *Engine) Execute(ctx context.Context, sessionID string, cmd *protocol.Command) *conc.Future[*protocol.FetchResult] {
	if _, err := e.registry.Touch(sessionID); err != nil {
		return conc.Rejected[*protocol.FetchResult](err)
	}
	return e.correlator.Submit(ctx, sessionID, cmd, e.cfg.RequestTimeout)
}

// Complete 处理 fetchComplete 事件，返回事件是否被采纳。
func (e *Engine) Complete(sessionID string, result *protocol.FetchResult) bool {
	if result == nil {
		return false
	}
	return e.correlator.Resolve(sessionID, result.RequestID, result)
}

// Fail 处理 fetchError 事件，返回事件是否被采纳。
func (e *Engine) Fail(sessionID string, fe *protocol.FetchError) bool {
	if fe == nil {
		return false
	}
	return e.correlator.Fail(sessionID, fe.RequestID, fe.Error)
}

// Disconnect 销毁会话，并以 ErrConnectionClosed 结束其所有挂起请求。
func (e *Engine) Disconnect(sessionID string) bool {
	ok := e.registry.Destroy(sessionID)
	if ok {
		e.logger.Info("session disconnected", log.FieldSessionID(sessionID))
	}
	return ok
}

func (e *Engine) closeReaped(sessionID string) {
	if e.closer == nil {
		return
	}
	e.closer.CloseSession(sessionID, "idle timeout")
}

// Lookup 返回会话快照。
func (e *Engine) Lookup(sessionID string) (session.Session, bool) {
	return e.registry.Lookup(sessionID)
}

// Sweep 立即执行一次空闲回收。
func (e *Engine) Sweep() reaper.SweepReport {
	return e.reaper.Sweep(e.clock.Now())
}

func (e *Engine) Stats() Stats {
	return Stats{
		ActiveSessions:   e.registry.Count(),
		PendingRequests:  e.correlator.Pending(),
		TrackedAddresses: e.admission.Tracked(),
	}
}

// Start 启动空闲回收。
func (e *Engine) Start(ctx context.Context) {
	e.reaper.Start(ctx)
}

// Stop 停止空闲回收，并断开所有仍在线的会话。
func (e *Engine) Stop() {
	e.reaper.Stop()
	var ids []string
	e.registry.Range(func(sess session.Session) bool {
		ids = append(ids, sess.ID)
		return true
	})
	for _, id := range ids {
		e.registry.Destroy(id)
	}
	if len(ids) > 0 {
		e.logger.Info("engine stopped", zap.Int("sessions", len(ids)))
	}
}
