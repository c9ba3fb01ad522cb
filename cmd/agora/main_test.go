package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/governance"
)

const goodQuest = `game:
  title: Found a Commons
  stages:
    - name: Name
      message: Choose a name.
      actions:
        - action: 'vote "What is our name?" "The Commons" "The Hive"'
      progress_conditions:
        - progress_condition: decision_made "What is our name?"
    - name: Culture
      actions:
        - action: vote_governance culture
`

const badQuest = `game:
  title: Dragons
  stages:
    - name: Summon
      actions:
        - action: summon_dragon red
      progress_conditions:
        - progress_condition: dragon_arrived
`

// useProject points the commands at a fresh project directory.
func useProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	projectDir = dir
	t.Cleanup(func() { projectDir = "" })
	return dir
}

func captured() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	return cmd, &buf
}

func TestLocalPlayers(t *testing.T) {
	players, err := localPlayers([]string{"Ada", " ", "bo"})
	require.NoError(t, err)
	assert.Equal(t, []chat.User{
		{ID: "local-ada", Name: "Ada"},
		{ID: "local-bo", Name: "bo"},
	}, players)

	_, err = localPlayers([]string{"ada", "ADA"})
	assert.Error(t, err)
	_, err = localPlayers(nil)
	assert.Error(t, err)
}

func TestValidateReportsEachFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "commons.yaml")
	bad := filepath.Join(dir, "dragons.yaml")
	require.NoError(t, os.WriteFile(good, []byte(goodQuest), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte(badQuest), 0o644))

	cmd, out := captured()
	require.NoError(t, runValidate(cmd, []string{good}))
	assert.Contains(t, out.String(), "OK: "+good+" (Found a Commons, 2 stages)")

	cmd, out = captured()
	err := runValidate(cmd, []string{good, bad})
	require.Error(t, err)
	assert.Equal(t, "1 of 2 quest(s) invalid", err.Error())
	assert.Contains(t, out.String(), "Invalid: "+bad)
	assert.Contains(t, out.String(), "summon_dragon")
	assert.Contains(t, out.String(), "dragon_arrived")
}

func TestValidateDefaultsToQuestsDir(t *testing.T) {
	dir := useProject(t)

	cmd, out := captured()
	require.NoError(t, runValidate(cmd, nil))
	assert.Contains(t, out.String(), "No quests in")

	questsDir := filepath.Join(dir, "quests")
	require.NoError(t, os.MkdirAll(questsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(questsDir, "commons.yaml"), []byte(goodQuest), 0o644))
	cmd, out = captured()
	require.NoError(t, runValidate(cmd, nil))
	assert.Contains(t, out.String(), "OK: ")
	assert.FileExists(t, filepath.Join(dir, "agora.yaml"))
}

func TestStackAndCleanup(t *testing.T) {
	useProject(t)

	cmd, out := captured()
	require.NoError(t, runStack(cmd, nil))
	assert.Contains(t, out.String(), "No governance modules are active yet.")

	cfg, err := loadConfig()
	require.NoError(t, err)
	_, _, err = openStore(cfg).Add(governance.Module{Type: governance.TypeStructure, Name: "Council"})
	require.NoError(t, err)

	cmd, out = captured()
	require.NoError(t, runStack(cmd, nil))
	assert.Contains(t, out.String(), "Council")
	assert.Contains(t, out.String(), "1 snapshot(s), latest snapshot_001.png")

	cmd, out = captured()
	require.NoError(t, runCleanup(cmd, nil))
	assert.Contains(t, out.String(), "Removed")
	snapshots, err := openStore(cfg).Snapshots()
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

func TestShippedQuestsAndCatalogues(t *testing.T) {
	paths, err := questFiles(filepath.Join("..", "..", "quests"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	cmd, out := captured()
	require.NoError(t, runValidate(cmd, paths), out.String())

	store := governance.NewStore(t.TempDir(), filepath.Join("..", "..", "catalogue"))
	for _, typ := range governance.Types {
		modules, err := store.ModulesOfType(typ)
		require.NoError(t, err, typ)
		assert.NotEmpty(t, modules, typ)
	}
}
