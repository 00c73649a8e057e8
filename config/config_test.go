package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/bproximity/gattid"
	"github.com/user/bproximity/idstore"
	"github.com/user/bproximity/ident"
	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/proximity"
	"github.com/user/bproximity/util"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bproximity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	f, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), f)
	require.NoError(t, f.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	f, err := Load("testdata/phone.yaml")
	require.NoError(t, err)

	assert.Equal(t, "phone-a", f.Name)
	assert.Equal(t, "PhoneA", f.LocalName)
	assert.Equal(t, BackendSQLite, f.Backend)
	assert.Equal(t, 24*time.Hour, f.Retention.Self)
	assert.Equal(t, 14*24*time.Hour, f.Retention.Peer)
	assert.Equal(t, 15*time.Minute, f.Rotation)
	assert.Equal(t, 5*time.Minute, f.Maintenance)
	assert.True(t, f.Roles.Central)
	assert.False(t, f.Roles.Peripheral)
	assert.True(t, f.DisconnectWhenDone)
	assert.Equal(t, 5, f.Simulation.Devices)
	assert.Equal(t, 50*time.Millisecond, f.Simulation.AdvertisingInterval)
	assert.Zero(t, f.Simulation.PacketLossRate)

	// keys absent from the file keep their defaults
	def := Default()
	assert.Equal(t, def.Simulation.MaxConnectionDelay, f.Simulation.MaxConnectionDelay)
	assert.Equal(t, def.Simulation.ConnectionFailureRate, f.Simulation.ConnectionFailureRate)
}

func TestLoadEmptyFile(t *testing.T) {
	f, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), f)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load("testdata/unknown_key.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retension")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"backend":      "backend: etcd\n",
		"log level":    "log_level: loud\n",
		"empty name":   "name: \"\"\n",
		"rate":         "simulation:\n  packet_loss_rate: 1.5\n",
		"delays":       "simulation:\n  min_connection_delay: 2s\n  max_connection_delay: 1s\n",
		"interval":     "simulation:\n  advertising_interval: 0s\n",
		"service uuid": "service:\n  uuid: not-a-uuid\n",
		"retention":    "retention:\n  self: 0s\n",
		"no roles":     "roles:\n  central: false\n  peripheral: false\n",
		"same chars":   "service:\n  read: " + gattid.WriteID.String() + "\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestProximityConversion(t *testing.T) {
	f, err := Load("testdata/phone.yaml")
	require.NoError(t, err)

	backend := idstore.NewMemoryBackend()
	cfg, err := f.Proximity(backend)
	require.NoError(t, err)

	assert.Equal(t, "phone-a", cfg.Name)
	assert.Equal(t, "PhoneA", cfg.LocalName)
	assert.Equal(t, gattid.Service, cfg.Service)
	assert.Equal(t, gattid.ReadID, cfg.ReadCharacteristic)
	assert.Equal(t, gattid.WriteID, cfg.WriteCharacteristic)
	assert.Equal(t, 24*time.Hour, cfg.SelfRetention)
	assert.Equal(t, 15*time.Minute, cfg.RotationInterval)
	assert.Equal(t, 5*time.Minute, cfg.MaintenanceInterval)
	assert.True(t, cfg.EnableCentral)
	assert.False(t, cfg.EnablePeripheral)
	assert.True(t, cfg.DisconnectWhenDone)
	assert.Same(t, backend, cfg.Backend)
}

func TestProximityServiceOverride(t *testing.T) {
	service := uuid.MustParse("0000FEED-0000-1000-8000-00805F9B34FB")
	f, err := Load(writeConfig(t, "service:\n  uuid: "+service.String()+"\n"))
	require.NoError(t, err)

	cfg, err := f.Proximity(nil)
	require.NoError(t, err)
	assert.Equal(t, service, cfg.Service)
	assert.Equal(t, gattid.ReadID, cfg.ReadCharacteristic)
}

func TestInvalidProximityConfigMatchesBothSentinels(t *testing.T) {
	f := Default()
	f.Roles = Roles{}
	_, err := f.Proximity(nil)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, proximity.ErrInvalidConfig)
}

func TestSimulator(t *testing.T) {
	f, err := Load("testdata/phone.yaml")
	require.NoError(t, err)

	s := f.Simulator()
	assert.Equal(t, 50*time.Millisecond, s.AdvertisingInterval)
	assert.Zero(t, s.PacketLossRate)
	assert.True(t, s.Deterministic)
	assert.EqualValues(t, 42, s.Seed)

	assert.False(t, Default().Simulator().Deterministic)
}

func TestDirUsesEnvironment(t *testing.T) {
	root := t.TempDir()
	t.Setenv(util.DataDirEnv, root)

	f := Default()
	assert.Equal(t, filepath.Join(root, "bproximity"), f.Dir())

	f.DataDir = "/var/lib/bproximity"
	assert.Equal(t, "/var/lib/bproximity", f.Dir())
}

func TestOpenBackends(t *testing.T) {
	for _, kind := range []string{BackendFile, BackendSQLite, BackendMemory} {
		t.Run(kind, func(t *testing.T) {
			f := Default()
			f.Backend = kind
			f.DataDir = filepath.Join(t.TempDir(), "data")

			b, closeFn, err := f.OpenBackend()
			require.NoError(t, err)
			defer closeFn()

			s := idstore.New(idstore.PeerIDs)
			s.Append(ident.ID(0x1122334455667788))
			require.NoError(t, idstore.Save(b, s))

			records, err := b.Load(idstore.PeerIDs)
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, ident.ID(0x1122334455667788), records[0].ID)
		})
	}
}

func TestOpenSQLiteCreatesDatabaseFile(t *testing.T) {
	f := Default()
	f.Backend = BackendSQLite
	f.DataDir = t.TempDir()

	_, closeFn, err := f.OpenBackend()
	require.NoError(t, err)
	require.NoError(t, closeFn())
	assert.FileExists(t, filepath.Join(f.DataDir, SQLiteFile))
}

func TestMarshalRoundTrip(t *testing.T) {
	f, err := Load("testdata/phone.yaml")
	require.NoError(t, err)

	data, err := f.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotation: 15m0s")

	again, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, f, again)
}

func TestApplyLogging(t *testing.T) {
	prev := logger.GetLevel()
	defer logger.SetLevel(prev)
	defer logger.SetTimestamps(false)

	f := Default()
	f.LogLevel = "warn"
	f.ApplyLogging()
	assert.Equal(t, logger.WARN, logger.GetLevel())
}
