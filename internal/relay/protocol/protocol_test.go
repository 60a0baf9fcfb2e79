package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

func TestEncodeDecode(t *testing.T) {
	frame, err := Encode(EventExecute, 3, &Command{RequestID: "r-1", Method: "GET", URL: "http://localhost:8080/"})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, EventExecute, env.Type)
	assert.Equal(t, uint64(3), env.Ack)

	var cmd Command
	require.NoError(t, env.DecodeData(&cmd))
	assert.Equal(t, "r-1", cmd.RequestID)
	assert.Equal(t, "http://localhost:8080/", cmd.URL)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.ErrorIs(t, err, merr.ErrProtocolMalformed)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, merr.ErrProtocolMalformed)

	env, err := Decode([]byte(`{"type":"fetchComplete"}`))
	require.NoError(t, err)
	assert.ErrorIs(t, env.DecodeData(&FetchResult{}), merr.ErrProtocolMalformed)
}

func TestNewAck(t *testing.T) {
	ok := NewAck(&FetchResult{RequestID: "r-1", Status: 204}, nil)
	assert.True(t, ok.OK)
	assert.Nil(t, ok.Error)

	failed := NewAck(nil, merr.WrapErrTimeout("r-1", time.Second))
	assert.False(t, failed.OK)
	assert.Equal(t, merr.Code(merr.ErrTimeout), failed.Error.Code)
	assert.True(t, failed.Error.Retriable)
}

func TestVersionGate(t *testing.T) {
	g, err := NewVersionGate("")
	require.NoError(t, err)
	assert.NoError(t, g.Check(""))
	assert.NoError(t, g.Check("1.2.0"))
	assert.NoError(t, g.Check("v1.0"))
	assert.ErrorIs(t, g.Check("2.0.0"), merr.ErrProtocolVersion)
	assert.ErrorIs(t, g.Check("0.9.9"), merr.ErrProtocolVersion)
	assert.ErrorIs(t, g.Check("banana"), merr.ErrProtocolVersion)

	_, err = NewVersionGate("not a range")
	assert.Error(t, err)
}
