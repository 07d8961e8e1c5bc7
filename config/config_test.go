package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 500, cfg.Queue.MaxPerSession)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, time.Second, cfg.Queue.BackoffBase.Std())
	assert.Equal(t, 30*time.Second, cfg.Queue.BackoffMax.Std())
	assert.Equal(t, 5*time.Second, cfg.Queue.FlushInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Queue.ResyncInterval.Std())
	assert.Equal(t, 10*time.Second, cfg.Delivery.MessageTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval.Std())
	assert.Equal(t, 10, cfg.Heartbeat.AverageWindow)
	assert.Equal(t, 100, cfg.Heartbeat.SampleCapacity)
}

func TestFromJSON_Overrides(t *testing.T) {
	cfg, err := FromJSON([]byte(`{
		"identity": {"user_id": "alice", "device_id": "phone"},
		"queue": {"flush_interval": "250ms", "overflow_policy": "reject"},
		"delivery": {"message_timeout": 3000000000}
	}`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "alice", cfg.Identity.UserID)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.FlushInterval.Std())
	assert.Equal(t, OverflowReject, cfg.Queue.OverflowPolicy)
	assert.Equal(t, 3*time.Second, cfg.Delivery.MessageTimeout.Std())
	// 未出现的字段保留默认值
	assert.Equal(t, 500, cfg.Queue.MaxPerSession)
}

func TestValidate_CombinesErrors(t *testing.T) {
	cfg := NewConfig()
	cfg.Queue.OverflowPolicy = "drop-everything"
	cfg.Storage.Backend = "floppy"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflow_policy")
	assert.Contains(t, err.Error(), "floppy")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msgsync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log": {"level": "debug", "format": "json"}}`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDuration_JSON(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var d Duration
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}
