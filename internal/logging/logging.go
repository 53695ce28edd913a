// Package logging builds the process-wide slog handler.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// New returns a text handler writing to w at the given level. When the
// process runs under systemd (JOURNAL_STREAM is set), records are also sent
// to the journal.
//
// Supported levels: debug, info, warn, error.
func New(level string, w io.Writer) (slog.Handler, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	terminal := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parsed})
	if os.Getenv("JOURNAL_STREAM") == "" {
		return terminal, nil
	}

	journal, err := slogjournal.NewHandler(&slogjournal.Options{
		Level: parsed,
		ReplaceGroup: func(key string) string {
			return toJournalKey(key)
		},
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			a.Key = toJournalKey(a.Key)
			return a
		},
	})
	if err != nil {
		record := slog.NewRecord(time.Now(), slog.LevelWarn, "new systemd journal handler", 0)
		record.Add("error", err)
		_ = terminal.Handle(context.Background(), record)
		return terminal, nil
	}
	return slogmulti.Fanout(terminal, journal), nil
}

// Configure installs the handler built by New as the slog default.
func Configure(level string) (slog.Handler, error) {
	h, err := New(level, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(h))
	return h, nil
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn:
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", level)
	}
}

// toJournalKey maps attribute keys onto journal field names.
func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}
