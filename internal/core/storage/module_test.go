package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-msgsync/config"
	"github.com/dep2p/go-msgsync/pkg/interfaces"
)

func TestConfigFromUnified(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Storage.DataDir = "/tmp/x"
	sc := ConfigFromUnified(cfg)
	assert.Equal(t, "/tmp/x/msgsync.db", sc.Path)
	assert.False(t, sc.InMemory)

	cfg.Storage.Backend = config.StorageMemory
	sc = ConfigFromUnified(cfg)
	assert.True(t, sc.InMemory)
	require.NoError(t, sc.Validate())
	assert.True(t, sc.ToEngineConfig().InMemory)

	empty := Config{}
	assert.ErrorIs(t, empty.Validate(), ErrInvalidConfig)
}

func TestModule_DiskLifecycle(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Storage.DataDir = t.TempDir()

	var st interfaces.Storage
	app := fxtest.New(t,
		fx.Supply(cfg),
		Module(),
		fx.Populate(&st),
	)
	app.RequireStart()

	require.NoError(t, st.Set("queue/s", map[string]int{"n": 1}))
	var got map[string]int
	require.NoError(t, st.Get("queue/s", &got))
	assert.Equal(t, 1, got["n"])

	app.RequireStop()
}

func TestNewMemory(t *testing.T) {
	st, eng, err := NewMemory()
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, st.Set("k", "v"))
	keys, err := st.ListKeys("")
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}
