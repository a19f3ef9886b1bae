package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistantconsole/internal/types"
)

// execute runs the CLI against a temp usage store and returns stdout.
func execute(t *testing.T, store string, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--store", store, "--tz", "UTC"}, args...))
	err := root.Execute()
	return out.String(), err
}

func tempStore(t *testing.T) string {
	return filepath.Join(t.TempDir(), "usage.db")
}

func TestPlansCmd(t *testing.T) {
	out, err := execute(t, tempStore(t), "", "plans")
	require.NoError(t, err)
	assert.Contains(t, out, "PLAN")
	assert.Contains(t, out, "CHAT_MESSAGE")
	assert.Contains(t, out, "499.00 INR")
	assert.Contains(t, out, "unlimited")

	out, err = execute(t, tempStore(t), "", "plans", "--json")
	require.NoError(t, err)
	var plans []types.PlanDefinition
	require.NoError(t, json.Unmarshal([]byte(out), &plans))
	assert.Equal(t, types.PlanFree, plans[0].ID)
}

func TestUsageRecordAndShow(t *testing.T) {
	store := tempStore(t)

	out, err := execute(t, store, "", "usage", "record", "chat_message")
	require.NoError(t, err)
	assert.Equal(t, "chat_message: 1 today\n", out)

	out, err = execute(t, store, "", "usage", "record", "chat_message")
	require.NoError(t, err)
	assert.Equal(t, "chat_message: 2 today\n", out)

	out, err = execute(t, store, "", "usage", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "date: "+time.Now().UTC().Format("2006-01-02"))
	assert.Regexp(t, `chat_message\s+2`, out)
	assert.Regexp(t, `voice_command\s+0`, out)
}

func TestUsageRemaining(t *testing.T) {
	store := tempStore(t)
	for i := 0; i < 3; i++ {
		_, err := execute(t, store, "", "usage", "record", "chat_message")
		require.NoError(t, err)
	}

	out, err := execute(t, store, "", "usage", "remaining", "chat_message")
	require.NoError(t, err)
	assert.Equal(t, "chat_message on free: 2 remaining\n", out)

	out, err = execute(t, store, "", "usage", "remaining", "chat_message", "--plan", "pro_plus")
	require.NoError(t, err)
	assert.Equal(t, "chat_message on pro_plus: unlimited remaining\n", out)
}

func TestUsageRejectsUnknownInput(t *testing.T) {
	_, err := execute(t, tempStore(t), "", "usage", "record", "teleport")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")

	_, err = execute(t, tempStore(t), "", "usage", "remaining", "chat_message", "--plan", "gold")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plan")

	_, err = execute(t, tempStore(t), "", "usage", "record")
	require.Error(t, err)
}

func TestCheckCmd(t *testing.T) {
	store := tempStore(t)
	for i := 0; i < 4; i++ {
		_, err := execute(t, store, "", "usage", "record", "chat_message")
		require.NoError(t, err)
	}

	t0 := time.Now().UTC().AddDate(0, 0, -3).Format(time.RFC3339)

	t.Run("trial with quota left", func(t *testing.T) {
		out, err := execute(t, store, "", "check", "chat_message", "--trial-start", t0)
		require.NoError(t, err)
		assert.Contains(t, out, "free (none, trial)")
		assert.Contains(t, out, "remaining: 1")
		assert.Contains(t, out, "decision:  allowed")
	})

	t.Run("trial expired", func(t *testing.T) {
		old := time.Now().UTC().AddDate(0, 0, -8).Format(time.RFC3339)
		out, err := execute(t, store, "", "check", "chat_message", "--trial-start", old)
		require.ErrorIs(t, err, errDenied)
		assert.Contains(t, out, "expired")
		assert.Contains(t, out, "trial")
	})

	t.Run("quota exhausted", func(t *testing.T) {
		_, err := execute(t, store, "", "usage", "record", "chat_message")
		require.NoError(t, err)
		out, err := execute(t, store, "", "check", "chat_message", "--trial-start", t0)
		require.ErrorIs(t, err, errDenied)
		assert.Contains(t, out, "remaining: 0")
		assert.Contains(t, out, "denied")
	})

	t.Run("day pass json", func(t *testing.T) {
		end := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
		out, err := execute(t, store, "", "check", "voice_command", "--plan", "day_pass", "--plan-end", end, "--json")
		require.ErrorIs(t, err, errDenied)

		var res checkResult
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.True(t, res.State.IsTimedPassExpired)
		assert.Equal(t, types.DenialDayPassExpired, res.Decision.Code)
	})

	t.Run("user requires database", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		_, err := execute(t, store, "", "check", "chat_message", "--user", "user-1", "--database-url", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--database-url")
	})
}

func TestMigrateRequiresDatabaseURL(t *testing.T) {
	_, err := execute(t, tempStore(t), "", "migrate", "status", "--database-url", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestAdminHashKey(t *testing.T) {
	out, err := execute(t, tempStore(t), "", "admin", "hash-key", "--key", "s3cret")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(hash, "$2"), hash)

	out, err = execute(t, tempStore(t), "from-stdin\n", "admin", "hash-key")
	require.NoError(t, err)
	assert.NotEqual(t, hash, strings.TrimSpace(out))

	_, err = execute(t, tempStore(t), "\n", "admin", "hash-key")
	require.Error(t, err)
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, tempStore(t), "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "consolectl dev (none, built unknown)")
}
