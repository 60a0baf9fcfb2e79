package conc

import (
	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// Pool 是基于 ants 的协程池，提交的任务以 Future 形式返回结果。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建容量为 cap 的协程池。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 提交一个任务；池已关闭或非阻塞模式下池满时，返回的 Future 直接携带错误。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)
		res, err := method()
		if err != nil {
			future.err = err
		} else {
			future.value = res
		}
	})
	if err != nil {
		future.err = merr.Combine(merr.ErrServiceTooManyRequests, err)
		close(future.ch)
	}

	return future
}

func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

func (pool *Pool[T]) Release() {
	pool.inner.Release()
}
