package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-garden-relay/internal/relay/admission"
	"github.com/lk2023060901/danmu-garden-relay/internal/relay/protocol"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/conc"
	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent map[string][]*protocol.Command
}

func (d *fakeDispatcher) Dispatch(_ context.Context, sessionID string, cmd *protocol.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent[sessionID] = append(d.sent[sessionID], cmd)
	return nil
}

func (d *fakeDispatcher) count(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent[sessionID])
}

type EngineSuite struct {
	suite.Suite

	ctx        context.Context
	clock      *clock.Mock
	dispatcher *fakeDispatcher
	engine     *Engine
	nextID     int
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.dispatcher = &fakeDispatcher{sent: map[string][]*protocol.Command{}}
	s.nextID = 0

	engine, err := New(Config{
		Admission:      admission.Config{AllowedOrigins: []string{"http://app.local"}},
		RequestTimeout: 10 * time.Second,
	}, s.dispatcher,
		WithClock(s.clock),
		WithIDGenerator(func() string {
			s.nextID++
			return fmt.Sprintf("sess-%d", s.nextID)
		}))
	s.Require().NoError(err)
	s.engine = engine
}

func (s *EngineSuite) connect(source string) string {
	sess, err := s.engine.Connect(source, "alice", "http://app.local")
	s.Require().NoError(err)
	return sess.ID
}

func (s *EngineSuite) TestExecuteRoundTrip() {
	id := s.connect("127.0.0.1")

	f := s.engine.Execute(s.ctx, id, &protocol.Command{RequestID: "r1", Method: "GET", URL: "http://localhost:3000/"})
	s.Equal(1, s.dispatcher.count(id))

	s.True(s.engine.Complete(id, &protocol.FetchResult{RequestID: "r1", Status: 200, StatusText: "OK"}))
	result, err := f.Await()
	s.Require().NoError(err)
	s.Equal("OK", result.StatusText)

	sess, ok := s.engine.Lookup(id)
	s.Require().True(ok)
	s.Equal(uint64(1), sess.RequestCount)
}

func (s *EngineSuite) TestExecuteUnknownSession() {
	_, err := s.engine.Execute(s.ctx, "ghost", &protocol.Command{RequestID: "r1", Method: "GET", URL: "http://localhost/"}).Await()
	s.ErrorIs(err, merr.ErrSessionNotFound)
}

func (s *EngineSuite) TestPublicTargetNeverDispatched() {
	id := s.connect("127.0.0.1")
	_, err := s.engine.Execute(s.ctx, id, &protocol.Command{RequestID: "r1", Method: "GET", URL: "http://example.com/"}).Await()
	s.ErrorIs(err, merr.ErrValidation)
	s.Equal(0, s.dispatcher.count(id))
	s.Equal(0, s.engine.Stats().PendingRequests)
}

func (s *EngineSuite) TestFail() {
	id := s.connect("127.0.0.1")
	f := s.engine.Execute(s.ctx, id, &protocol.Command{RequestID: "r1", Method: "POST", URL: "http://192.168.1.2/", Body: "{}"})

	s.False(s.engine.Fail(id, nil))
	s.True(s.engine.Fail(id, &protocol.FetchError{RequestID: "r1", Error: "Failed to fetch"}))
	_, err := f.Await()
	s.ErrorIs(err, merr.ErrRemoteExecutionFailed)
	s.Equal("Failed to fetch", merr.Detail(err))
}

func (s *EngineSuite) TestConnectAdmission() {
	_, err := s.engine.Connect("10.0.0.9", "", "")
	s.ErrorIs(err, merr.ErrAdmissionDenied)

	_, err = s.engine.Connect("10.0.0.9", "alice", "http://evil.example")
	s.ErrorIs(err, merr.ErrAdmissionDenied)

	for i := 0; i < admission.DefaultMaxAttempts; i++ {
		s.connect("10.0.0.9")
	}
	_, err = s.engine.Connect("10.0.0.9", "alice", "")
	s.ErrorIs(err, merr.ErrAdmissionDenied)
	s.Equal(admission.DefaultMaxAttempts, s.engine.Stats().ActiveSessions)

	s.clock.Add(admission.DefaultWindow + time.Second)
	s.connect("10.0.0.9")
}

func (s *EngineSuite) TestDisconnectCancelsOnlyThatSession() {
	a := s.connect("127.0.0.1")
	b := s.connect("127.0.0.1")

	var futures []*conc.Future[*protocol.FetchResult]
	for i := 0; i < 3; i++ {
		futures = append(futures, s.engine.Execute(s.ctx, a, &protocol.Command{RequestID: fmt.Sprintf("a%d", i), Method: "GET", URL: "http://localhost/"}))
	}
	other := s.engine.Execute(s.ctx, b, &protocol.Command{RequestID: "b0", Method: "GET", URL: "http://localhost/"})

	s.True(s.engine.Disconnect(a))
	for _, f := range futures {
		s.ErrorIs(f.Err(), merr.ErrConnectionClosed)
	}
	s.False(other.Done())
	s.Equal(Stats{ActiveSessions: 1, PendingRequests: 1, TrackedAddresses: 1}, s.engine.Stats())
	s.False(s.engine.Disconnect(a))
}

func (s *EngineSuite) TestTimeoutThenLateComplete() {
	id := s.connect("127.0.0.1")
	f := s.engine.Execute(s.ctx, id, &protocol.Command{RequestID: "r1", Method: "GET", URL: "http://localhost/"})

	s.clock.Add(10 * time.Second)
	_, err := f.Await()
	s.ErrorIs(err, merr.ErrTimeout)
	s.False(s.engine.Complete(id, &protocol.FetchResult{RequestID: "r1", Status: 200}))
}

func (s *EngineSuite) TestSweepReapsIdleSessions() {
	id := s.connect("127.0.0.1")
	f := s.engine.Execute(s.ctx, id, &protocol.Command{RequestID: "r1", Method: "GET", URL: "http://localhost/"})
	_ = s.engine.Complete(id, &protocol.FetchResult{RequestID: "r1"})
	s.Require().True(f.OK())

	s.clock.Add(11 * time.Minute)
	report := s.engine.Sweep()
	s.Equal(1, report.Reaped)
	s.Equal(1, report.Compacted)
	s.Equal(Stats{}, s.engine.Stats())
}

func (s *EngineSuite) TestVersionGate() {
	s.NoError(s.engine.CheckVersion(""))
	s.NoError(s.engine.CheckVersion("1.2.0"))
	s.ErrorIs(s.engine.CheckVersion("2.0.0"), merr.ErrProtocolVersion)
}

func (s *EngineSuite) TestStopDisconnectsAll() {
	id := s.connect("127.0.0.1")
	f := s.engine.Execute(s.ctx, id, &protocol.Command{RequestID: "r1", Method: "GET", URL: "http://localhost/"})

	s.engine.Start(s.ctx)
	s.engine.Stop()
	s.ErrorIs(f.Err(), merr.ErrConnectionClosed)
	s.Equal(0, s.engine.Stats().ActiveSessions)
}

func TestEngine(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{MaxPendingRequests: -1}
	cfg.FillDefaults()
	assert.Equal(t, DefaultMaxSessions, cfg.MaxSessions)
	assert.Equal(t, 0, limit(cfg.MaxPendingRequests))
	assert.Equal(t, protocol.DefaultVersionRange, cfg.ProtocolVersions)

	_, err := New(Config{ProtocolVersions: "not a range"}, nil)
	assert.Error(t, err)
}
