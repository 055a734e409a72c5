package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_TextByDefault(t *testing.T) {
	l := newLogger()

	formatter, ok := l.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.Equal(t, time.RFC3339Nano, formatter.TimestampFormat)
	assert.True(t, formatter.FullTimestamp)
}

func TestWithLogger_RoundTrip(t *testing.T) {
	entry := logrus.NewEntry(logrus.New()).WithField("user_id", "15551234567")
	ctx := WithLogger(context.Background(), entry)

	got := G(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "15551234567", got.Data["user_id"])
}

func TestGetLogger_FallsBackToGlobal(t *testing.T) {
	got := G(context.Background())

	require.NotNil(t, got)
	assert.Equal(t, L.Logger, got.Logger)
}

func TestGetLogger_AccumulatesFields(t *testing.T) {
	ctx := WithLogger(context.Background(), logrus.NewEntry(logrus.New()).WithField("user_id", "u1"))
	ctx = WithLogger(ctx, G(ctx).WithField("batch_id", "b1"))

	got := G(ctx)
	assert.Equal(t, "u1", got.Data["user_id"])
	assert.Equal(t, "b1", got.Data["batch_id"])
}

func TestInit_SetsLevelAndFormat(t *testing.T) {
	prevLevel := L.Logger.GetLevel()
	prevFormatter := L.Logger.Formatter
	t.Cleanup(func() {
		L.Logger.SetLevel(prevLevel)
		L.Logger.Formatter = prevFormatter
	})

	require.NoError(t, Init("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, L.Logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, L.Logger.Formatter)

	require.NoError(t, Init("warn", "text"))
	assert.Equal(t, logrus.WarnLevel, L.Logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, L.Logger.Formatter)
}

func TestInit_RejectsBadLevel(t *testing.T) {
	err := Init("loud", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loud")
}

func TestJSONFormat_FieldNames(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	applyFormat(l, "json")

	ctx := WithLogger(context.Background(), logrus.NewEntry(l).WithField("message_id", "wamid.1"))
	G(ctx).Info("message accepted")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["logLevel"])
	assert.Equal(t, "message accepted", line["message"])
	assert.Equal(t, "wamid.1", line["message_id"])

	timestamp, ok := line["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339Nano, timestamp)
	assert.NoError(t, err)
}

func TestSetOutput_CapturesGlobalLogs(t *testing.T) {
	var buf bytes.Buffer
	prev := L.Logger.Out
	SetOutput(&buf)
	t.Cleanup(func() { L.Logger.SetOutput(prev) })

	G(context.Background()).Warn("buffer overflow for user")

	assert.Contains(t, buf.String(), "buffer overflow for user")
}

func TestLogLevels_AllEmit(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	applyFormat(l, "json")

	entry := G(WithLogger(context.Background(), logrus.NewEntry(l)))
	entry.Debug("d")
	entry.Info("i")
	entry.Warn("w")
	entry.Error("e")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	want := []string{"debug", "info", "warning", "error"}
	for i, line := range lines {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &decoded))
		assert.Equal(t, want[i], decoded["logLevel"])
	}
}
