package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/lyzr/sitesync/cmd/site-agent/localstore"
	"github.com/lyzr/sitesync/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setSiteEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", t.TempDir())
	t.Setenv("SITE_ID", "A")
	t.Setenv("SITE_USERNAME", "store-a")
	t.Setenv("SITE_PASSWORD", "pw")
	t.Setenv("LOG_FILE", "")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedState(t *testing.T, path string, state models.SiteState) {
	t.Helper()
	s, err := localstore.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveState(context.Background(), state))
	require.NoError(t, s.Close())
}

func TestStatusCommandPrintsJSON(t *testing.T) {
	setSiteEnv(t)
	db := filepath.Join(t.TempDir(), "site.db")
	seedState(t, db, models.SiteState{Initialised: true, QueuedCursor: 4, CentralCursor: 9, Status: models.AgentIdle})

	out, err := execute(t, "status", "--db", db, "--json")
	require.NoError(t, err)

	var got struct {
		SiteID  string           `json:"site_id"`
		State   models.SiteState `json:"state"`
		Records int              `json:"records"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "A", got.SiteID)
	assert.Equal(t, int64(4), got.State.QueuedCursor)
	assert.Equal(t, int64(9), got.State.CentralCursor)
	assert.Zero(t, got.Records)
}

func TestResumeClearsHalt(t *testing.T) {
	setSiteEnv(t)
	db := filepath.Join(t.TempDir(), "site.db")
	seedState(t, db, models.SiteState{Initialised: true, Status: models.AgentHalted, LastError: "forbidden: bound to different hardware"})

	out, err := execute(t, "resume", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "bound to different hardware")

	out, err = execute(t, "status", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "status:       idle")
	assert.NotContains(t, out, "last error")
}

func TestCommandsRequireSiteConfig(t *testing.T) {
	t.Setenv("CONFIG_PATH", t.TempDir())
	t.Setenv("SITE_ID", "")

	_, err := execute(t, "status", "--db", filepath.Join(t.TempDir(), "site.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SITE_ID")
}
