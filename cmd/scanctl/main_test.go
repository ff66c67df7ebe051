package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"mailscan-backend/internal/app"
	mailboxdomain "mailscan-backend/internal/mailbox/domain"
	"mailscan-backend/pkg/config"
	"mailscan-backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStartStatusAndCancel(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "scanctl.db")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", dsn)
	t.Setenv("AI_PROVIDER", "ollama")

	ctx := context.Background()
	a, err := app.New(ctx, config.Load(), app.Options{}, logger.Nop())
	require.NoError(t, err)
	mb, err := a.Mailboxes.Register(ctx, "biz", mailboxdomain.ProviderIMAP, "ops@example.com",
		&mailboxdomain.Credential{IMAPAddr: "127.0.0.1:1", IMAPUsername: "ops", IMAPPassword: "pw"})
	require.NoError(t, err)
	a.Close()

	out, err := run(t, "start", mb.ID, "--years", "1")
	require.NoError(t, err)
	var job struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		ChunksTotal int    `json:"chunks_total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "running", job.Status)
	assert.Equal(t, 13, job.ChunksTotal)

	out, err = run(t, "status", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"chunks_total": 13`)

	out, err = run(t, "cancel", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "cancelled"`)

	_, err = run(t, "retry", job.ID)
	assert.Error(t, err)
}

func TestCommandsRequireArguments(t *testing.T) {
	for _, name := range []string{"start", "status", "pause", "resume", "cancel", "retry", "advance", "sync", "jobs"} {
		_, err := run(t, name)
		assert.Error(t, err, name)
	}
}
