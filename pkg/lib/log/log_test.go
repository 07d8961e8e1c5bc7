package log

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_LevelAndFormat(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	require.NoError(t, Setup(&buf, "warn", "json"))

	l := Logger("test/comp")
	l.Info("不应输出")
	l.Warn("应当输出", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "不应输出")
	assert.Contains(t, out, "应当输出")
	assert.Contains(t, out, `"component":"test/comp"`)
}

func TestSetup_Invalid(t *testing.T) {
	assert.Error(t, Setup(nil, "loud", "text"))
	assert.Error(t, Setup(nil, "info", "xml"))
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc", TruncateID("abc", 8))
	assert.Equal(t, "abcdefgh", TruncateID("abcdefghijk", 8))
}
