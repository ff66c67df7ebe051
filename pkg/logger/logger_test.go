package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKVs(t *testing.T) {
	out := sanitizeKVs([]interface{}{
		"mailbox_id", "mb-1",
		"access_token", "ya29.abc",
		"account", "Owner@Example.com",
		"dangling",
	})

	require.Len(t, out, 7)
	assert.Equal(t, "mb-1", out[1])
	assert.Equal(t, "[REDACTED]", out[3])
	assert.Contains(t, out[5], "sha256:")
	assert.NotContains(t, out[5], "example.com")
	assert.Equal(t, "dangling", out[6])
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("dev", "loud")
	assert.Error(t, err)

	l, err := New("prod", "info")
	require.NoError(t, err)
	l.With("component", "test").Info("ok")
}
