package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStatusEmoji(t *testing.T) {
	assert.Equal(t, "🟢", statusEmoji(200))
	assert.Equal(t, "🟡", statusEmoji(304))
	assert.Equal(t, "🟠", statusEmoji(429))
	assert.Equal(t, "🔴", statusEmoji(503))
}

func TestEmojiConsoleEncoder_EncodeEntry(t *testing.T) {
	encoder := NewEmojiConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	})

	tests := []struct {
		name   string
		level  zapcore.Level
		fields []zapcore.Field
		emoji  string
	}{
		{"breaker type", zapcore.WarnLevel, []zapcore.Field{{Key: "type", Type: zapcore.StringType, String: "breaker"}}, "⚡"},
		{"status wins over type", zapcore.InfoLevel, []zapcore.Field{
			{Key: "type", Type: zapcore.StringType, String: "request"},
			{Key: "status", Type: zapcore.Int64Type, Integer: 429},
		}, "🟠"},
		{"unknown type falls back to level", zapcore.ErrorLevel, []zapcore.Field{{Key: "type", Type: zapcore.StringType, String: "nope"}}, "❌"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := encoder.EncodeEntry(zapcore.Entry{Level: tt.level, Message: "hello"}, tt.fields)
			require.NoError(t, err)
			assert.True(t, strings.Contains(buf.String(), tt.emoji+" hello"), buf.String())
		})
	}

	assert.NotNil(t, encoder.Clone())
}
