package conc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

func TestPoolSubmit(t *testing.T) {
	pool := NewPool[int](2, WithName("test"))
	defer pool.Release()

	f := pool.Submit(func() (int, error) { return 7, nil })
	v, err := f.Await()
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	boom := errors.New("boom")
	_, err = pool.Submit(func() (int, error) { return 0, boom }).Await()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, pool.Cap())
}

func TestPoolNonBlockingFull(t *testing.T) {
	pool := NewPool[struct{}](1, WithNonBlocking(true))
	defer pool.Release()

	block := make(chan struct{})
	started := make(chan struct{})
	first := pool.Submit(func() (struct{}, error) {
		close(started)
		<-block
		return struct{}{}, nil
	})
	<-started

	second := pool.Submit(func() (struct{}, error) { return struct{}{}, nil })
	assert.True(t, second.Done())
	assert.True(t, errors.Is(second.Err(), merr.ErrServiceTooManyRequests))

	close(block)
	_, err := first.Await()
	assert.NoError(t, err)
}

func TestPoolConcealPanic(t *testing.T) {
	pool := NewPool[int](1, WithConcealPanic(true))
	defer pool.Release()

	f := pool.Submit(func() (int, error) { panic("task") })
	_, _ = f.Await()
	assert.True(t, f.Done())

	v, err := pool.Submit(func() (int, error) { return 1, nil }).Await()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}
