// Package session 维护中继会话记录，并在会话销毁时级联取消其挂起的请求。
package session

import "time"

// AnonymousIdentity 为未提供身份时的默认值。
const AnonymousIdentity = "anonymous"

// Session 为一条会话记录的快照，按值返回，修改快照不会影响注册表。
type Session struct {
	ID             string    `json:"id"`
	Identity       string    `json:"identity"`
	SourceAddress  string    `json:"sourceAddress"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	RequestCount   uint64    `json:"requestCount"`
}

// IdleFor 返回截至 now 会话已空闲的时长。
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// Canceler 在会话销毁时取消该会话下所有挂起的请求，返回被取消的数量。
type Canceler interface {
	CancelAllForSession(sessionID string) int
}
