package proximity

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/bproximity/gattid"
	"github.com/user/bproximity/idstore"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, idstore.DefaultRetention, cfg.SelfRetention)
	assert.Equal(t, idstore.DefaultRetention, cfg.PeerRetention)
	assert.Zero(t, cfg.RotationInterval)
	assert.True(t, cfg.EnableCentral)
	assert.True(t, cfg.EnablePeripheral)
}

func TestBuilder(t *testing.T) {
	backend := idstore.NewMemoryBackend()
	cfg, err := NewBuilder().
		WithName("phone-a").
		WithRetention(time.Hour, 2*time.Hour).
		WithRotation(15 * time.Minute).
		WithRoles(true, false).
		WithDisconnectWhenDone(true).
		WithBackend(backend).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "phone-a", cfg.Name)
	assert.Equal(t, time.Hour, cfg.SelfRetention)
	assert.Equal(t, 2*time.Hour, cfg.PeerRetention)
	assert.Equal(t, 15*time.Minute, cfg.RotationInterval)
	assert.False(t, cfg.EnablePeripheral)
	assert.True(t, cfg.DisconnectWhenDone)
	assert.Same(t, backend, cfg.Backend)
	assert.Equal(t, gattid.Service, cfg.Service)
}

func TestBuilderYieldsIndependentConfigs(t *testing.T) {
	b := NewBuilder().WithName("first")
	first, err := b.Build()
	require.NoError(t, err)

	b.WithName("second")
	assert.Equal(t, "first", first.Name)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Builder){
		"nil service":      func(b *Builder) { b.WithService(uuid.Nil, gattid.ReadID, gattid.WriteID) },
		"same chars":       func(b *Builder) { b.WithService(gattid.Service, gattid.ReadID, gattid.ReadID) },
		"zero retention":   func(b *Builder) { b.WithRetention(0, time.Hour) },
		"negative rotate":  func(b *Builder) { b.WithRotation(-time.Second) },
		"no roles":         func(b *Builder) { b.WithRoles(false, false) },
		"nil write char":   func(b *Builder) { b.WithService(gattid.Service, gattid.ReadID, uuid.Nil) },
		"negative mainten": func(b *Builder) { b.WithMaintenance(-time.Second) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := NewBuilder()
			mutate(b)
			_, err := b.Build()
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
