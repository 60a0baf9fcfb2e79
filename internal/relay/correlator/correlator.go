// Package correlator 将下发到客户端的中继命令与稍后回传的结果关联起来。
//
// 每个挂起请求最终只会进入一个终态：完成、失败、超时或因连接关闭而取消。
// 四条路径都通过 take 在同一临界区内查找并删除条目，先拿到条目的一方负责完成 Future。
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/validator"
	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/conc"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

const DefaultRequestTimeout = 30 * time.Second

// Dispatcher 负责把 performFetch 投递到会话对应的连接上。
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, cmd *protocol.Command) error
}

// DispatcherFunc 允许使用普通函数作为 Dispatcher。
type DispatcherFunc func(ctx context.Context, sessionID string, cmd *protocol.Command) error

func (f DispatcherFunc) Dispatch(ctx context.Context, sessionID string, cmd *protocol.Command) error {
	return f(ctx, sessionID, cmd)
}

type pendingRequest struct {
	requestID string
	sessionID string
	method    string
	createdAt time.Time
	timeout   time.Duration
	promise   *conc.Promise[*protocol.FetchResult]
	timer     *clock.Timer
}

// Correlator 维护所有挂起请求，并发安全。
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]*pendingRequest
	bySession map[string]map[string]*pendingRequest

	dispatcher     Dispatcher
	defaultTimeout time.Duration
	// maxPending 为 0 表示不限制。
	maxPending int
	// alive 在登记请求的临界区内判断会话是否仍存在，为 nil 时不检查。
	alive  func(sessionID string) bool
	clock  clock.Clock
	logger *log.MLogger
}

type Option func(*Correlator)

func WithClock(c clock.Clock) Option {
	return func(co *Correlator) {
		co.clock = c
	}
}

// WithDefaultTimeout 设置 Submit 未指定超时时使用的默认值。
func WithDefaultTimeout(d time.Duration) Option {
	return func(co *Correlator) {
		if d > 0 {
			co.defaultTimeout = d
		}
	}
}

// WithMaxPending 设置全局挂起请求上限，0 表示不限制。
func WithMaxPending(n int) Option {
	return func(co *Correlator) {
		co.maxPending = n
	}
}

// WithSessionCheck 设置会话存活判断。会话销毁先于 CancelAllForSession，
// 因此在同一把锁内检查后再登记，保证不会有请求挂在已销毁的会话上。
func WithSessionCheck(alive func(sessionID string) bool) Option {
	return func(co *Correlator) {
		co.alive = alive
	}
}

func New(dispatcher Dispatcher, opts ...Option) *Correlator {
	c := &Correlator{
		pending:        make(map[string]*pendingRequest),
		bySession:      make(map[string]map[string]*pendingRequest),
		dispatcher:     dispatcher,
		defaultTimeout: DefaultRequestTimeout,
		clock:          clock.New(),
		logger:         log.With(log.FieldComponent("correlator")).WithRateGroup("correlator.dropped", 1, 30),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit 校验并登记一条中继命令，然后通过 Dispatcher 下发 performFetch。
//
// 返回的 Future 在请求进入终态时完成：
//   - 校验失败：立即以 ErrValidation 失败，不登记也不下发；
//   - 会话已销毁：ErrSessionNotFound；
//   - 挂起请求达到上限：ErrServiceTooManyRequests；
//   - 同一 requestId 仍在挂起：ErrDuplicateRequest；
//   - 下发失败：ErrConnectionClosed。
//
// timeout <= 0 时使用默认超时。
func (c *Correlator) Submit(ctx context.Context, sessionID string, cmd *protocol.Command, timeout time.Duration) *conc.Future[*protocol.FetchResult] {
	if err := validator.Validate(cmd); err != nil {
		metrics.RequestsRejected.WithLabelValues("validation").Inc()
		log.Ctx(ctx).Debug("relay command rejected", log.FieldSessionID(sessionID), zap.Error(err))
		return conc.Rejected[*protocol.FetchResult](err)
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	entry := &pendingRequest{
		requestID: cmd.RequestID,
		sessionID: sessionID,
		method:    cmd.Method,
		createdAt: c.clock.Now(),
		timeout:   timeout,
		promise:   conc.NewPromise[*protocol.FetchResult](),
	}

	c.mu.Lock()
	if c.alive != nil && !c.alive(sessionID) {
		c.mu.Unlock()
		metrics.RequestsRejected.WithLabelValues("session_closed").Inc()
		return conc.Rejected[*protocol.FetchResult](merr.WrapErrSessionNotFound(sessionID, "session closed before request was registered"))
	}
	if c.maxPending > 0 && len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		metrics.RequestsRejected.WithLabelValues("too_many_pending").Inc()
		return conc.Rejected[*protocol.FetchResult](merr.WrapErrTooManyPending(c.maxPending))
	}
	if _, exists := c.pending[cmd.RequestID]; exists {
		c.mu.Unlock()
		metrics.RequestsRejected.WithLabelValues("duplicate").Inc()
		return conc.Rejected[*protocol.FetchResult](merr.WrapErrDuplicateRequest(cmd.RequestID))
	}
	c.pending[entry.requestID] = entry
	if c.bySession[sessionID] == nil {
		c.bySession[sessionID] = make(map[string]*pendingRequest)
	}
	c.bySession[sessionID][entry.requestID] = entry
	entry.timer = c.clock.AfterFunc(timeout, func() {
		c.expireIfDue(entry)
	})
	count := len(c.pending)
	c.mu.Unlock()

	metrics.PendingRequests.Set(float64(count))
	metrics.ExecuteMethods.WithLabelValues(entry.method).Inc()
	log.Ctx(ctx).Debug("relay request registered",
		log.FieldSessionID(sessionID),
		log.FieldRequestID(entry.requestID),
		zap.Duration("timeout", timeout))

	if err := c.dispatcher.Dispatch(ctx, sessionID, cmd); err != nil {
		log.Ctx(ctx).Warn("dispatch performFetch failed",
			log.FieldSessionID(sessionID),
			log.FieldRequestID(entry.requestID),
			zap.Error(err))
		if c.take(entry.requestID, sessionID, entry) != nil {
			c.finish(entry, StateCancelled, nil, merr.WrapErrConnectionClosed(sessionID, entry.requestID))
		}
	}
	return entry.promise.Future()
}

// Resolve 以 fetchComplete 的结果完成请求。
// 请求不存在或属于其他会话时忽略该事件并返回 false，条目保持挂起。
func (c *Correlator) Resolve(sessionID, requestID string, result *protocol.FetchResult) bool {
	entry := c.take(requestID, sessionID, nil)
	if entry == nil {
		c.drop(sessionID, requestID, protocol.EventFetchComplete)
		return false
	}
	c.finish(entry, StateCompleted, result, nil)
	return true
}

// Fail 以 fetchError 完成请求，错误信息原样保留在 ErrRemoteExecutionFailed 中。
func (c *Correlator) Fail(sessionID, requestID, errorInfo string) bool {
	entry := c.take(requestID, sessionID, nil)
	if entry == nil {
		c.drop(sessionID, requestID, protocol.EventFetchError)
		return false
	}
	c.finish(entry, StateErrored, nil, merr.WrapErrRemoteExecutionFailed(requestID, errorInfo))
	return true
}

// expireIfDue 由超时定时器触发。条目已被其他路径取走，或 requestId 已被新的请求复用时不做任何事。
func (c *Correlator) expireIfDue(entry *pendingRequest) {
	if c.take(entry.requestID, entry.sessionID, entry) == nil {
		return
	}
	c.finish(entry, StateTimedOut, nil, merr.WrapErrTimeout(entry.requestID, entry.timeout))
}

// CancelAllForSession 以 ErrConnectionClosed 结束该会话的所有挂起请求，返回被取消的数量。
func (c *Correlator) CancelAllForSession(sessionID string) int {
	c.mu.Lock()
	entries := c.bySession[sessionID]
	delete(c.bySession, sessionID)
	taken := make([]*pendingRequest, 0, len(entries))
	for id, entry := range entries {
		delete(c.pending, id)
		taken = append(taken, entry)
	}
	count := len(c.pending)
	c.mu.Unlock()

	if len(taken) == 0 {
		return 0
	}
	metrics.PendingRequests.Set(float64(count))
	for _, entry := range taken {
		entry.timer.Stop()
		c.finish(entry, StateCancelled, nil, merr.WrapErrConnectionClosed(sessionID, entry.requestID))
	}
	return len(taken)
}

// take 在同一临界区内查找并删除条目。
// 会话不匹配时返回 nil；want 非空时还要求条目就是 want 本身。
func (c *Correlator) take(requestID, sessionID string, want *pendingRequest) *pendingRequest {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	if !ok || entry.sessionID != sessionID || (want != nil && entry != want) {
		c.mu.Unlock()
		return nil
	}
	delete(c.pending, requestID)
	if group := c.bySession[sessionID]; group != nil {
		delete(group, requestID)
		if len(group) == 0 {
			delete(c.bySession, sessionID)
		}
	}
	count := len(c.pending)
	c.mu.Unlock()

	entry.timer.Stop()
	metrics.PendingRequests.Set(float64(count))
	return entry
}

func (c *Correlator) finish(entry *pendingRequest, state State, result *protocol.FetchResult, err error) {
	var completed bool
	if err != nil {
		completed = entry.promise.Reject(err)
	} else {
		completed = entry.promise.Resolve(result)
	}
	if !completed {
		return
	}

	elapsed := c.clock.Since(entry.createdAt)
	metrics.RequestOutcomes.WithLabelValues(state.String()).Inc()
	metrics.RequestLatency.WithLabelValues(state.String()).Observe(float64(elapsed.Milliseconds()))
	c.logger.Debug("relay request finished",
		log.FieldSessionID(entry.sessionID),
		log.FieldRequestID(entry.requestID),
		zap.Stringer("state", state),
		zap.Duration("elapsed", elapsed),
		zap.Error(err))
}

func (c *Correlator) drop(sessionID, requestID string, event protocol.EventType) {
	reason := "unknown_request"
	c.mu.Lock()
	if entry, ok := c.pending[requestID]; ok && entry.sessionID != sessionID {
		reason = "session_mismatch"
	}
	c.mu.Unlock()

	metrics.DroppedEvents.WithLabelValues(reason).Inc()
	c.logger.RatedWarn(1, "result event dropped",
		log.FieldSessionID(sessionID),
		log.FieldRequestID(requestID),
		log.FieldEvent(event),
		zap.String("reason", reason))
}

// Pending 返回当前挂起请求总数。
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PendingForSession 返回指定会话的挂起请求数。
func (c *Correlator) PendingForSession(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bySession[sessionID])
}
