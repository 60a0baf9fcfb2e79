package correlator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/session"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []*protocol.Command
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ string, cmd *protocol.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, cmd)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func command(id string) *protocol.Command {
	return &protocol.Command{RequestID: id, Method: "GET", URL: "http://localhost:8080/api"}
}

type CorrelatorSuite struct {
	suite.Suite

	clock      *clock.Mock
	dispatcher *recordingDispatcher
	correlator *Correlator
	ctx        context.Context
}

func (s *CorrelatorSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.dispatcher = &recordingDispatcher{}
	s.correlator = New(s.dispatcher, WithClock(s.clock), WithDefaultTimeout(30*time.Second))
}

func (s *CorrelatorSuite) TestResolve() {
	f := s.correlator.Submit(s.ctx, "s1", command("r1"), 0)
	s.Equal(1, s.dispatcher.count())
	s.Equal(1, s.correlator.Pending())
	s.False(f.Done())

	s.True(s.correlator.Resolve("s1", "r1", &protocol.FetchResult{RequestID: "r1", Status: 200, Body: "ok"}))
	result, err := f.Await()
	s.Require().NoError(err)
	s.Equal(200, result.Status)
	s.Equal(0, s.correlator.Pending())
	s.Equal(0, s.correlator.PendingForSession("s1"))
}

func (s *CorrelatorSuite) TestValidationRejectsWithoutSideEffects() {
	cmd := &protocol.Command{RequestID: "r1", Method: "GET", URL: "http://example.com/"}
	f := s.correlator.Submit(s.ctx, "s1", cmd, 0)

	_, err := f.Await()
	s.ErrorIs(err, merr.ErrValidation)
	s.Equal(0, s.dispatcher.count())
	s.Equal(0, s.correlator.Pending())
}

func (s *CorrelatorSuite) TestSpoofedSessionIgnored() {
	f := s.correlator.Submit(s.ctx, "s1", command("r1"), 0)

	s.False(s.correlator.Resolve("s2", "r1", &protocol.FetchResult{RequestID: "r1", Status: 500}))
	s.False(s.correlator.Fail("s2", "r1", "spoofed"))
	s.False(f.Done())
	s.Equal(1, s.correlator.PendingForSession("s1"))

	s.True(s.correlator.Resolve("s1", "r1", &protocol.FetchResult{RequestID: "r1", Status: 204}))
	result, err := f.Await()
	s.Require().NoError(err)
	s.Equal(204, result.Status)
}

func (s *CorrelatorSuite) TestUnknownRequestIgnored() {
	s.False(s.correlator.Resolve("s1", "nope", &protocol.FetchResult{}))
	s.False(s.correlator.Fail("s1", "nope", "x"))
}

func (s *CorrelatorSuite) TestFailKeepsRemoteMessage() {
	f := s.correlator.Submit(s.ctx, "s1", command("r1"), 0)
	s.True(s.correlator.Fail("s1", "r1", "ECONNREFUSED 127.0.0.1:8080"))

	_, err := f.Await()
	s.ErrorIs(err, merr.ErrRemoteExecutionFailed)
	s.Equal("ECONNREFUSED 127.0.0.1:8080", merr.Detail(err))
}

func (s *CorrelatorSuite) TestTimeoutThenLateCompletion() {
	f := s.correlator.Submit(s.ctx, "s1", command("r1"), 5*time.Second)

	s.clock.Add(4 * time.Second)
	s.False(f.Done())

	s.clock.Add(time.Second)
	_, err := f.Await()
	s.ErrorIs(err, merr.ErrTimeout)
	s.True(merr.IsRetryableErr(err))
	s.Equal(0, s.correlator.Pending())

	s.False(s.correlator.Resolve("s1", "r1", &protocol.FetchResult{RequestID: "r1", Status: 200}))
	_, err = f.Await()
	s.ErrorIs(err, merr.ErrTimeout)
}

func (s *CorrelatorSuite) TestResolvedRequestDoesNotTimeOut() {
	f := s.correlator.Submit(s.ctx, "s1", command("r1"), time.Second)
	s.True(s.correlator.Resolve("s1", "r1", &protocol.FetchResult{RequestID: "r1", Status: 200}))

	// 复用同一个 requestId 的新请求不会被旧定时器误判超时
	f2 := s.correlator.Submit(s.ctx, "s1", command("r1"), time.Minute)
	s.clock.Add(2 * time.Second)

	s.True(f.OK())
	s.False(f2.Done())
	s.Equal(1, s.correlator.Pending())
}

func (s *CorrelatorSuite) TestDuplicateRequestID() {
	f1 := s.correlator.Submit(s.ctx, "s1", command("r1"), 0)
	f2 := s.correlator.Submit(s.ctx, "s1", command("r1"), 0)

	_, err := f2.Await()
	s.ErrorIs(err, merr.ErrDuplicateRequest)
	s.False(f1.Done())
	s.Equal(1, s.dispatcher.count())
}

func (s *CorrelatorSuite) TestDispatchFailure() {
	s.dispatcher.err = errors.New("write: broken pipe")
	f := s.correlator.Submit(s.ctx, "s1", command("r1"), 0)

	_, err := f.Await()
	s.ErrorIs(err, merr.ErrConnectionClosed)
	s.Equal(0, s.correlator.Pending())
}

func (s *CorrelatorSuite) TestCancelAllForSession() {
	futures := make([]interface{ Err() error }, 0, 3)
	for i := 0; i < 3; i++ {
		futures = append(futures, s.correlator.Submit(s.ctx, "s1", command(fmt.Sprintf("a%d", i)), 0))
	}
	other := s.correlator.Submit(s.ctx, "s2", command("b0"), 0)

	s.Equal(3, s.correlator.CancelAllForSession("s1"))
	for _, f := range futures {
		s.ErrorIs(f.Err(), merr.ErrConnectionClosed)
	}
	s.False(other.Done())
	s.Equal(1, s.correlator.Pending())
	s.Equal(0, s.correlator.CancelAllForSession("s1"))

	// 已取消的请求不会再超时
	s.clock.Add(time.Hour)
	_, err := other.Await()
	s.ErrorIs(err, merr.ErrTimeout)
	for _, f := range futures {
		s.ErrorIs(f.Err(), merr.ErrConnectionClosed)
	}
}

func (s *CorrelatorSuite) TestMaxPending() {
	c := New(s.dispatcher, WithClock(s.clock), WithMaxPending(1))
	c.Submit(s.ctx, "s1", command("r1"), 0)

	_, err := c.Submit(s.ctx, "s1", command("r2"), 0).Await()
	s.ErrorIs(err, merr.ErrServiceTooManyRequests)
	s.Equal(1, c.Pending())
}

func TestCorrelator(t *testing.T) {
	suite.Run(t, new(CorrelatorSuite))
}

func TestCorrelator_ExactlyOnceUnderRace(t *testing.T) {
	c := New(&recordingDispatcher{})
	ctx := context.Background()

	const n = 200
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r%d", i)
		f := c.Submit(ctx, "s1", command(id), time.Minute)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		record := func(ok bool) {
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}
		wg.Add(3)
		go func() {
			defer wg.Done()
			record(c.Resolve("s1", id, &protocol.FetchResult{RequestID: id}))
		}()
		go func() {
			defer wg.Done()
			record(c.Fail("s1", id, "boom"))
		}()
		go func() {
			defer wg.Done()
			record(c.CancelAllForSession("s1") == 1)
		}()
		wg.Wait()

		require.Equal(t, 1, wins, "request %s", id)
		assert.True(t, f.Done())
	}
	assert.Equal(t, 0, c.Pending())
}

func TestState(t *testing.T) {
	assert.False(t, StateCreated.Terminal())
	for _, st := range []State{StateCompleted, StateErrored, StateTimedOut, StateCancelled} {
		assert.True(t, st.Terminal())
	}
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSubmitAfterSessionDestroyed(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	dispatcher := &recordingDispatcher{}
	var registry *session.Registry
	corr := New(dispatcher, WithClock(clk), WithSessionCheck(func(id string) bool {
		_, ok := registry.Lookup(id)
		return ok
	}))
	registry = session.NewRegistry(corr, session.WithClock(clk))

	// Touch 成功之后、登记之前会话被销毁，请求不能再挂到该会话上。
	_, err := registry.Create("s1", "alice", "")
	require.NoError(t, err)
	_, err = registry.Touch("s1")
	require.NoError(t, err)
	require.True(t, registry.Destroy("s1"))

	_, err = corr.Submit(ctx, "s1", command("r1"), 0).Await()
	assert.True(t, errors.Is(err, merr.ErrSessionNotFound))
	assert.Equal(t, 0, corr.Pending())
	assert.Equal(t, 0, dispatcher.count())

	// 登记之后再销毁，请求由级联取消结束。
	_, err = registry.Create("s2", "alice", "")
	require.NoError(t, err)
	f := corr.Submit(ctx, "s2", command("r2"), 0)
	require.Equal(t, 1, corr.PendingForSession("s2"))
	require.True(t, registry.Destroy("s2"))

	_, err = f.Await()
	assert.True(t, errors.Is(err, merr.ErrConnectionClosed))
	assert.Equal(t, 0, corr.Pending())
}
