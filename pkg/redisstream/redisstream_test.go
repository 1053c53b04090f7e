package redisstream

import (
	"bytes"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	s.Enabled = true
	require.NoError(t, s.Validate())

	s.Addr = " "
	require.Error(t, s.Validate())

	s = DefaultSettings()
	s.Enabled = true
	s.Stream = ""
	require.Error(t, s.Validate())
}

func TestSettingsTopic(t *testing.T) {
	s := DefaultSettings()
	require.Equal(t, "tutor-chat:abc", s.Topic("abc"))
	s.Stream = ""
	require.Equal(t, "tutor-chat:abc", s.Topic("abc"))
	s.Stream = "class-7"
	require.Equal(t, "class-7:abc", s.Topic("abc"))
}

func TestWatermillLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.TraceLevel))

	logger.With(watermill.LogFields{"topic": "tutor-chat:t1"}).Info("published", watermill.LogFields{"uuid": "m1"})
	require.Contains(t, buf.String(), `"topic":"tutor-chat:t1"`)
	require.Contains(t, buf.String(), `"uuid":"m1"`)
	require.Contains(t, buf.String(), `"level":"info"`)

	buf.Reset()
	logger.Error("publish failed", errors.New("boom"), nil)
	require.Contains(t, buf.String(), `"error":"boom"`)

	buf.Reset()
	logger.Trace("tick", nil)
	require.Contains(t, buf.String(), `"level":"trace"`)
}

func TestIsBusyGroup(t *testing.T) {
	require.True(t, isBusyGroup(errors.New("BUSYGROUP Consumer Group name already exists")))
	require.False(t, isBusyGroup(errors.New("connection refused")))
	require.False(t, isBusyGroup(nil))
}
