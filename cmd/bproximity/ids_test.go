package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/bproximity/config"
	"github.com/user/bproximity/idstore"
	"github.com/user/bproximity/ident"
)

// seedStores writes fixed records into backend and returns a config
// pointing at it. extra is appended to the config body.
func seedStores(t *testing.T, backend string, extra ...string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := writeConfig(t, "backend: "+backend+"\ndata_dir: "+dir+"\n"+strings.Join(extra, ""))

	f := loadConfig(t, cfg)
	b, closeFn, err := f.OpenBackend()
	require.NoError(t, err)
	defer closeFn()

	require.NoError(t, b.Save(idstore.SelfIDs, []idstore.Record{
		{ID: ident.ID(0x1122334455667788), Timestamp: 1760000000},
	}))
	require.NoError(t, b.Save(idstore.PeerIDs, []idstore.Record{
		{ID: ident.ID(0x3344556677889900), Timestamp: 1760003600},
		{ID: ident.ID(0xff), Timestamp: 1760086400},
	}))
	return cfg
}

func loadConfig(t *testing.T, path string) *config.File {
	t.Helper()
	f, err := config.Load(path)
	require.NoError(t, err)
	return f
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestIDsListGolden(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := seedStores(t, backend)

			out, err := execute(t, "--config", cfg, "ids", "list")
			require.NoError(t, err)
			golden(t).Assert(t, "ids_list", []byte(out))

			out, err = execute(t, "--config", cfg, "--format", "json", "ids", "list")
			require.NoError(t, err)
			golden(t).Assert(t, "ids_list_json", []byte(out))

			out, err = execute(t, "--config", cfg, "ids", "list", "--store", "peer")
			require.NoError(t, err)
			golden(t).Assert(t, "ids_list_peer", []byte(out))
		})
	}
}

func TestIDsListEmpty(t *testing.T) {
	cfg := writeConfig(t, "data_dir: "+t.TempDir()+"\n")
	out, err := execute(t, "--config", cfg, "ids", "list")
	require.NoError(t, err)
	assert.Equal(t, "no identifiers stored\n", out)
}

func TestIDsListBadStore(t *testing.T) {
	cfg := writeConfig(t, "backend: memory\n")
	_, err := execute(t, "--config", cfg, "ids", "list", "--store", "both")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestIDsExpire(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, "data_dir: "+dir+"\nretention:\n  self: 1h\n  peer: 1h\n")
	b := idstore.NewFileBackend(dir)

	now := idstore.Seconds(time.Now())
	require.NoError(t, b.Save(idstore.SelfIDs, []idstore.Record{{ID: 1, Timestamp: now - 60}}))
	require.NoError(t, b.Save(idstore.PeerIDs, []idstore.Record{
		{ID: 2, Timestamp: now - 7200},
		{ID: 3, Timestamp: now - 60},
	}))

	out, err := execute(t, "--config", cfg, "--format", "json", "ids", "expire")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   []expireResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []expireResult{
		{Store: idstore.SelfIDs, Removed: 0, Remaining: 1},
		{Store: idstore.PeerIDs, Removed: 1, Remaining: 1},
	}, resp.Data)

	peers, err := b.Load(idstore.PeerIDs)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, ident.ID(3), peers[0].ID)
}

func TestIDsRotate(t *testing.T) {
	// the seeded self id is from 2025; keep it inside the window
	cfg := seedStores(t, "file", "retention:\n  self: 87600h\n")

	out, err := execute(t, "--config", cfg, "ids", "rotate")
	require.NoError(t, err)
	assert.Contains(t, out, "new self id ")

	out, err = execute(t, "--config", cfg, "--format", "json", "ids", "list", "--store", "self")
	require.NoError(t, err)

	var resp struct {
		Data []idRow `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "1122334455667788", resp.Data[0].ID)
	assert.NotEqual(t, resp.Data[0].ID, resp.Data[1].ID)
}

func TestIDsRotateExpiresFirst(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, "data_dir: "+dir+"\nretention:\n  self: 1h\n  peer: 1h\n")
	b := idstore.NewFileBackend(dir)

	now := idstore.Seconds(time.Now())
	require.NoError(t, b.Save(idstore.SelfIDs, []idstore.Record{
		{ID: 1, Timestamp: now - 7200},
		{ID: 2, Timestamp: now - 60},
	}))

	out, err := execute(t, "--config", cfg, "--format", "json", "ids", "rotate")
	require.NoError(t, err)

	var resp struct {
		Data rotateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 1, resp.Data.Expired)

	self, err := b.Load(idstore.SelfIDs)
	require.NoError(t, err)
	require.Len(t, self, 2)
	assert.Equal(t, ident.ID(2), self[0].ID)
	assert.Equal(t, resp.Data.ID, self[1].ID.String())
}

func TestRotateResultText(t *testing.T) {
	r := rotateResult{ID: "00000000000000aa", Created: "2025-10-09T08:53:20Z"}
	assert.Equal(t, "new self id 00000000000000aa created 2025-10-09T08:53:20Z", r.String())
	r.Expired = 2
	assert.Equal(t, "new self id 00000000000000aa created 2025-10-09T08:53:20Z (expired 2)", r.String())
}
