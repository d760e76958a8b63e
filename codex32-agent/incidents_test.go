package main

import (
	"os"
	"path/filepath"
	"testing"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/stretchr/testify/require"
)

func TestIncidentLogAppendAndTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.ndjson")
	log := newIncidentLog(path, testLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(agent.Incident{
			BotID:   "bot-1",
			Kind:    agent.IncidentUnhealthy,
			Message: "tick",
		}))
	}

	tail, err := log.Tail(3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	for _, inc := range tail {
		require.Equal(t, "bot-1", inc.BotID)
	}
}

func TestIncidentLogTailOnMissingFile(t *testing.T) {
	log := newIncidentLog(filepath.Join(t.TempDir(), "missing.ndjson"), testLogger())
	tail, err := log.Tail(10)
	require.NoError(t, err)
	require.Empty(t, tail)
}

func TestIncidentLogSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.ndjson")
	log := newIncidentLog(path, testLogger())

	require.NoError(t, log.Append(agent.Incident{BotID: "bot-1", Kind: agent.IncidentRestart}))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, log.Append(agent.Incident{BotID: "bot-1", Kind: agent.IncidentFallback}))

	tail, err := log.Tail(10)
	require.NoError(t, err)
	require.Len(t, tail, 2)
}
