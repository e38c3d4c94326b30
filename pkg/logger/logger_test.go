package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callstate/pkg/call"
)

func newTestLogger(t *testing.T, level string) (*LogrusLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	l, err := New(Config{Level: level, Format: "json", Output: buf})
	require.NoError(t, err)
	return l, buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"trace", LogLevelTrace, false},
		{"DEBUG", LogLevelDebug, false},
		{"info", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"Error", LogLevelError, false},
		{"verbose", LogLevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Level = "loud"
	assert.Error(t, cfg.Validate())

	_, err := New(cfg)
	assert.Error(t, err)
}

func TestLogrusLogger(t *testing.T) {
	t.Run("поля звонка и компонента", func(t *testing.T) {
		l, buf := newTestLogger(t, "debug")

		l.WithComponent("manager").
			WithCall(0x2a, call.Outgoing).
			Info(context.Background(), "transition accepted",
				StateField(call.IceConnecting{DescriptionsSet: true}),
				Int("directives", 2))

		entry := lastEntry(t, buf)
		assert.Equal(t, "transition accepted", entry["msg"])
		assert.Equal(t, "info", entry["level"])
		assert.Equal(t, "manager", entry["component"])
		assert.Equal(t, "000000000000002a", entry["call_id"])
		assert.Equal(t, "Outgoing", entry["direction"])
		assert.Equal(t, "IceConnecting(true)", entry["state"])
		assert.EqualValues(t, 2, entry["directives"])
	})

	t.Run("фильтрация по уровню", func(t *testing.T) {
		l, buf := newTestLogger(t, "warn")

		l.Debug(context.Background(), "hidden")
		l.Info(context.Background(), "hidden")
		assert.Zero(t, buf.Len())
		assert.False(t, l.IsEnabled(LogLevelInfo))
		assert.True(t, l.IsEnabled(LogLevelError))

		l.SetLevel(LogLevelDebug)
		l.WithFields(String("k", "v")).Debug(context.Background(), "visible")
		assert.Equal(t, "v", lastEntry(t, buf)["k"])
	})

	t.Run("trace id из контекста", func(t *testing.T) {
		l, buf := newTestLogger(t, "info")

		ctx := ContextWithTraceID(context.Background(), "trace-1")
		l.Warn(ctx, "with trace")

		assert.Equal(t, "trace-1", lastEntry(t, buf)["trace_id"])
	})

	t.Run("ошибка перехода", func(t *testing.T) {
		l, buf := newTestLogger(t, "info")

		m := call.NewMachine(call.DefaultPolicy())
		rec := call.NewRecord(7, call.Incoming)
		_, err := m.Apply(rec, call.NewEvent(call.EventCallAccepted))
		require.Error(t, err)

		l.LogError(context.Background(), err, "event rejected")

		entry := lastEntry(t, buf)
		assert.Equal(t, "error", entry["level"])
		assert.Equal(t, "Idle", entry["from_state"])
		assert.Equal(t, "CallAccepted", entry["event"])
		assert.Equal(t, "Incoming", entry["direction"])
		assert.Equal(t, false, entry["already_terminating"])
		assert.Contains(t, entry["error"], "illegal transition")
	})

	t.Run("обычная ошибка", func(t *testing.T) {
		l, buf := newTestLogger(t, "info")

		l.LogError(context.Background(), errors.New("boom"), "failed")
		entry := lastEntry(t, buf)
		assert.Equal(t, "boom", entry["error"])
		assert.NotContains(t, entry, "from_state")

		l.LogError(context.Background(), nil, "no error")
		assert.Equal(t, "no error", lastEntry(t, buf)["msg"])
	})
}

// LogError не пишет в массив полей вызывающего
func TestLogErrorKeepsCallerFields(t *testing.T) {
	l, buf := newTestLogger(t, "info")

	backing := make([]Field, 1, 8)
	backing[0] = String("op", "dispatch")
	spare := backing[:2]
	spare[1] = String("marker", "untouched")

	l.LogError(context.Background(), errors.New("boom"), "failed", backing...)

	assert.Equal(t, String("marker", "untouched"), spare[1])
	entry := lastEntry(t, buf)
	assert.Equal(t, "dispatch", entry["op"])
	assert.Equal(t, "boom", entry["error"])
}

func TestTextFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	l, err := New(Config{Level: "info", Format: "text", Output: buf})
	require.NoError(t, err)

	l.Info(context.Background(), "plain", CallIDField(1))
	assert.Contains(t, buf.String(), "msg=plain")
	assert.Contains(t, buf.String(), "call_id=0000000000000001")
}

func TestNoOpLogger(t *testing.T) {
	var l StructuredLogger = NoOpLogger{}
	l = l.WithComponent("x").WithCall(1, call.Incoming).WithFields(Bool("a", true))
	l.Info(context.Background(), "ignored")
	l.LogError(context.Background(), errors.New("ignored"), "ignored")
	assert.False(t, l.IsEnabled(LogLevelFatal))
}
