package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Setenv("JOURNAL_STREAM", "")

	var buf bytes.Buffer
	h, err := New("warn", &buf)
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("hidden")
	logger.Warn("shown", "peer_id", "abcd")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "peer_id=abcd")

	_, err = New("chatty", &buf)
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":       slog.LevelInfo,
		"DEBUG":  slog.LevelDebug,
		" warn ": slog.LevelWarn,
		"error":  slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestJournalKey(t *testing.T) {
	require.Equal(t, "PEER_ID", toJournalKey("peer_id"))
	require.Equal(t, "PREVIOUS_ADDR", toJournalKey("previous.addr"))
}
