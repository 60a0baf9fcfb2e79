package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-garden-relay/pkg/log"
	"github.com/lk2023060901/danmu-garden-relay/pkg/metrics"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// Registry 提供了基于内存 map 的会话注册表。
//
// 特性：
//   - 使用读写锁保证并发安全；
//   - Create 在遇到重复 ID 时返回错误，避免覆盖旧会话；
//   - Destroy 先删除记录，再在锁外同步调用 Canceler 级联取消挂起请求；
//   - Range 在遍历前复制快照，避免持锁执行回调。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// maxSessions 为 0 表示不限制。
	maxSessions int
	canceler    Canceler
	clock       clock.Clock
	logger      *log.MLogger
}

type Option func(*Registry)

// WithClock 替换时间源，测试中使用 clock.NewMock。
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithMaxSessions 设置同时在线会话数上限，0 表示不限制。
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// NewRegistry 创建注册表，canceler 可以为 nil。
func NewRegistry(canceler Canceler, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		canceler: canceler,
		clock:    clock.New(),
		logger:   log.With(log.FieldComponent("session-registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create 以当前时间创建一条会话记录，identity 为空时使用 AnonymousIdentity。
func (r *Registry) Create(id, identity, sourceAddress string) (Session, error) {
	if identity == "" {
		identity = AnonymousIdentity
	}
	now := r.clock.Now()

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return Session{}, merr.WrapErrSessionExists(id)
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return Session{}, merr.WrapErrSessionLimitExceeded(r.maxSessions)
	}
	sess := &Session{
		ID:             id,
		Identity:       identity,
		SourceAddress:  sourceAddress,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	r.sessions[id] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	r.logger.Debug("session created",
		log.FieldSessionID(id),
		log.FieldIdentity(identity),
		log.FieldSource(sourceAddress))
	return *sess, nil
}

// Touch 刷新最后活跃时间并累加请求计数。最后活跃时间不会回退。
func (r *Registry) Touch(id string) (Session, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, merr.WrapErrSessionNotFound(id)
	}
	if now.After(sess.LastActivityAt) {
		sess.LastActivityAt = now
	}
	sess.RequestCount++
	return *sess, nil
}

// Destroy 删除会话并同步取消其挂起请求，会话不存在时返回 false。
func (r *Registry) Destroy(id string) bool {
	return r.destroyIf(id, nil)
}

// DestroyIfIdle 仅当会话在 now 时刻空闲超过 timeout 时销毁它。
// 空闲判断与删除在同一把锁内完成，期间被 Touch 的会话不会被误删。
func (r *Registry) DestroyIfIdle(id string, now time.Time, timeout time.Duration) bool {
	return r.destroyIf(id, func(sess *Session) bool {
		return sess.IdleFor(now) > timeout
	})
}

func (r *Registry) destroyIf(id string, cond func(sess *Session) bool) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok && cond != nil && !cond(sess) {
		ok = false
	}
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	metrics.ActiveSessions.Set(float64(count))

	cancelled := 0
	if r.canceler != nil {
		cancelled = r.canceler.CancelAllForSession(id)
	}
	r.logger.Debug("session destroyed",
		log.FieldSessionID(id),
		zap.Uint64("requests", sess.RequestCount),
		zap.Int("cancelled", cancelled))
	return true
}

// Lookup 返回会话快照。
func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Range 遍历所有会话快照，fn 返回 false 时中断。
func (r *Registry) Range(fn func(sess Session) bool) {
	if fn == nil {
		return
	}

	r.mu.RLock()
	snapshot := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		snapshot = append(snapshot, *sess)
	}
	r.mu.RUnlock()

	for _, sess := range snapshot {
		if !fn(sess) {
			return
		}
	}
}

// Count 返回当前会话数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
