package conc

import (
	"context"
	"sync"
)

type future interface {
	wait()
	OK() bool
	Err() error
}

// Future 表示一个异步计算的结果，只会被完成一次。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		ch: make(chan struct{}),
	}
}

func (future *Future[T]) wait() {
	<-future.ch
}

// Await 阻塞直至结果就绪，返回结果与错误。
func (future *Future[T]) Await() (T, error) {
	future.wait()
	return future.value, future.err
}

// AwaitContext 与 Await 相同，但在 ctx 结束时提前返回 ctx.Err()。
//
// 提前返回不会影响 Future 本身的完成。
func (future *Future[T]) AwaitContext(ctx context.Context) (T, error) {
	select {
	case <-future.ch:
		return future.value, future.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Value 阻塞直至结果就绪并返回结果。
func (future *Future[T]) Value() T {
	future.wait()
	return future.value
}

// OK 阻塞直至结果就绪，返回是否没有错误。
func (future *Future[T]) OK() bool {
	future.wait()
	return future.err == nil
}

// Err 阻塞直至结果就绪并返回错误。
func (future *Future[T]) Err() error {
	future.wait()
	return future.err
}

// Done 返回结果是否已就绪，不阻塞。
func (future *Future[T]) Done() bool {
	select {
	case <-future.ch:
		return true
	default:
		return false
	}
}

// Inner 返回结果就绪时关闭的通道，便于在 select 中使用。
func (future *Future[T]) Inner() <-chan struct{} {
	return future.ch
}

// Promise 是 Future 的写端，Resolve/Reject 只有第一次调用生效。
type Promise[T any] struct {
	future *Future[T]
	once   sync.Once
}

// NewPromise 创建一个尚未完成的 Promise。
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{future: newFuture[T]()}
}

func (p *Promise[T]) Future() *Future[T] {
	return p.future
}

// Resolve 以 value 完成 Future，返回本次调用是否生效。
func (p *Promise[T]) Resolve(value T) bool {
	return p.complete(value, nil)
}

// Reject 以 err 完成 Future，返回本次调用是否生效。
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.complete(zero, err)
}

func (p *Promise[T]) complete(value T, err error) bool {
	completed := false
	p.once.Do(func() {
		p.future.value = value
		p.future.err = err
		close(p.future.ch)
		completed = true
	})
	return completed
}

// Rejected 返回一个已经以 err 完成的 Future。
func Rejected[T any](err error) *Future[T] {
	future := newFuture[T]()
	future.err = err
	close(future.ch)
	return future
}

// Go 在新的 goroutine 中执行 fn，并返回其 Future。
func Go[T any](fn func() (T, error)) *Future[T] {
	future := newFuture[T]()
	go func() {
		future.value, future.err = fn()
		close(future.ch)
	}()
	return future
}

// AwaitAll 等待所有 Future 完成，返回遇到的第一个错误。
func AwaitAll[T future](futures ...T) error {
	for i := range futures {
		if !futures[i].OK() {
			return futures[i].Err()
		}
	}
	return nil
}
