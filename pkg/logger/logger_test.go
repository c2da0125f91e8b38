package logger

import (
	"bytes"
	"log"
	"testing"

	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferedLogger(level Level) (*StdLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewStdLogger(false, level)
	l.out = log.New(&buf, "", 0)
	return l, &buf
}

func TestStdLoggerLevels(t *testing.T) {
	l, buf := newBufferedLogger(NoticeLevel)

	l.Debug("debug %d", 1)
	l.Info("info %d", 2)
	assert.Empty(t, buf.String())

	l.Notice("notice %d", 3)
	l.Error("error %d", 4)
	assert.Equal(t, "[NOTICE] notice 3\n[ERROR]  error 4\n", buf.String())
}

func TestStdLoggerChainPrefix(t *testing.T) {
	l, buf := newBufferedLogger(DebugLevel)

	l.InfoWithChain(models.ChainSolana, "filled %s", "intent-1")
	l.ErrorWithChain(models.ChainMovement, "claim failed")
	l.DebugWithChain(models.ChainBCH, "tip")

	assert.Equal(t,
		"[INFO]   [SOL]  filled intent-1\n[ERROR]  [MOVE] claim failed\n[DEBUG]  [BCH]  tip\n",
		buf.String())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"notice", NoticeLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
