package main

import (
	"path/filepath"
	"testing"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	return newRegistry(path, newJSONStore(testLogger()), testLogger())
}

func TestRegisterBotRejectsDuplicate(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.RegisterBot(agent.BotRecord{ID: "bot-1", Name: "first"})
	require.NoError(t, err)

	_, err = r.RegisterBot(agent.BotRecord{ID: "bot-1", Name: "second"})
	require.Error(t, err)
	kind, ok := agent.KindOf(err)
	require.True(t, ok)
	require.Equal(t, agent.KindAlreadyExists, kind)
}

func TestRegisterBotRequiresID(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.RegisterBot(agent.BotRecord{Name: "no id"})
	require.Error(t, err)
}

func TestUpdateBotRequiresKnownID(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.UpdateBot(agent.BotRecord{ID: "missing"})
	require.Error(t, err)
	kind, _ := agent.KindOf(err)
	require.Equal(t, agent.KindNotFound, kind)
}

func TestUpdateBotStatusNoopOnUnknownID(t *testing.T) {
	r := newTestRegistry(t)
	_, ok := r.UpdateBotStatus("missing", agent.StatusRunning, nil)
	require.False(t, ok)
}

func TestUnregisterBotIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.RegisterBot(agent.BotRecord{ID: "bot-1"})
	require.NoError(t, err)

	require.True(t, r.UnregisterBot("bot-1"))
	require.False(t, r.UnregisterBot("bot-1"))
}

func TestGetByNameIsCaseInsensitive(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.RegisterBot(agent.BotRecord{ID: "bot-1", Name: "My Bot"})
	require.NoError(t, err)

	_, ok := r.GetByName("my bot")
	require.True(t, ok)
}

func TestRegistryStatsMatchesSinglePassCount(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.RegisterBot(agent.BotRecord{ID: "bot-1", Status: agent.StatusRunning})
	require.NoError(t, err)
	_, err = r.RegisterBot(agent.BotRecord{ID: "bot-2", Status: agent.StatusFailed})
	require.NoError(t, err)
	errMsg := "boom"
	_, err = r.RegisterBot(agent.BotRecord{ID: "bot-3", Status: agent.StatusRunning, LastError: &errMsg})
	require.NoError(t, err)

	stats := r.Stats()
	require.Equal(t, 3, stats.TotalBots)
	require.Equal(t, 2, stats.ActiveBots)
	require.Equal(t, 2, stats.FailedBots)
}

func TestRoundTripRegisterThenGet(t *testing.T) {
	r := newTestRegistry(t)
	rec := agent.BotRecord{ID: "bot-1", Name: "My Bot", Blueprint: "sample_bot.py"}

	created, err := r.RegisterBot(rec)
	require.NoError(t, err)

	fetched, ok := r.GetByID("bot-1")
	require.True(t, ok)
	require.Equal(t, created.ID, fetched.ID)
	require.Equal(t, created.Name, fetched.Name)
	require.Equal(t, created.Blueprint, fetched.Blueprint)
}
