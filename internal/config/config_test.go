package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorlink/internal/handshake"
	"github.com/banshee-data/sensorlink/internal/sensors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sensorlink.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestEmptyConfig_Defaults(t *testing.T) {
	cfg := EmptyConfig()

	assert.Equal(t, "/dev/serial0", cfg.GetPort())
	assert.Equal(t, 9600, cfg.GetBaudRate())
	assert.Equal(t, time.Second, cfg.GetReadTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetSaveInterval())
	assert.Equal(t, "./SensorData", cfg.GetDataDir())
	assert.Equal(t, handshake.Options{}, cfg.GetHandshakeOptions())
	assert.False(t, cfg.GetFlushOnShutdown())
	assert.False(t, cfg.GetVerbose())
	assert.Empty(t, cfg.GetDBPath())
	assert.Empty(t, cfg.GetMQTTBroker())
	assert.Equal(t, "sensorlink", cfg.GetMQTTTopicPrefix())
	assert.Empty(t, cfg.GetListen())
	assert.Zero(t, cfg.GetHistoryRetention())
	assert.Equal(t, sensors.DefaultCatalog(), cfg.GetCatalog())
	assert.NoError(t, cfg.Validate())
}

func TestDefaultConfig_MatchesGetters(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	empty := EmptyConfig()
	assert.Equal(t, empty.GetPort(), cfg.GetPort())
	assert.Equal(t, empty.GetReadTimeout(), cfg.GetReadTimeout())
	assert.Equal(t, empty.GetSaveInterval(), cfg.GetSaveInterval())
	assert.Equal(t, empty.GetHandshakeOptions(), cfg.GetHandshakeOptions())
	assert.Equal(t, empty.GetMQTTTopicPrefix(), cfg.GetMQTTTopicPrefix())
}

func TestLoadConfig_DefaultsFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", DefaultConfigPath))
	require.NoError(t, err)

	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("defaults file drifted from DefaultConfig (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_Partial(t *testing.T) {
	path := writeConfig(t, `{
		"port": "auto",
		"save_interval": "250ms",
		"protocol": "extended",
		"request_policy": "strict",
		"discard_alternate_lines": true,
		"sensors": [
			{"id": "0x11", "name": "Battery_Level", "length": 1},
			{"id": 119, "name": "Lidar_Distances", "length": 360}
		]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.GetPort())
	assert.Equal(t, 250*time.Millisecond, cfg.GetSaveInterval())
	assert.Equal(t, 9600, cfg.GetBaudRate())
	assert.Equal(t, handshake.Options{
		Variant:               handshake.Extended,
		RequestPolicy:         handshake.Strict,
		DiscardAlternateLines: true,
	}, cfg.GetHandshakeOptions())
	assert.Equal(t, []sensors.Descriptor{
		{ID: 0x11, Name: "Battery_Level", Length: 1},
		{ID: 0x77, Name: "Lidar_Distances", Length: 360},
	}, cfg.GetCatalog())
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{"port":`, "failed to parse"},
		{"unknown key", `{"prot": "/dev/ttyUSB0"}`, "unknown field"},
		{"bad duration", `{"save_interval": "soon"}`, "invalid save_interval"},
		{"negative interval", `{"save_interval": "-1s"}`, "must not be negative"},
		{"zero read timeout", `{"read_timeout": "0s"}`, "read_timeout must be positive"},
		{"bad protocol", `{"protocol": "chatty"}`, "protocol must be"},
		{"bad policy", `{"request_policy": "lenient"}`, "request_policy must be"},
		{"bad baud", `{"baud_rate": 0}`, "baud_rate must be positive"},
		{"empty port", `{"port": ""}`, "port must not be empty"},
		{"empty data dir", `{"data_dir": ""}`, "data_dir must not be empty"},
		{"id too large", `{"sensors": [{"id": 300, "name": "x", "length": 1}]}`, "not a byte"},
		{"bad hex id", `{"sensors": [{"id": "0xZZ", "name": "x", "length": 1}]}`, "sensor id"},
		{"duplicate sensors", `{"sensors": [
			{"id": 1, "name": "a", "length": 1},
			{"id": 1, "name": "b", "length": 1}]}`, "sensors:"},
		{"zero length", `{"sensors": [{"id": 1, "name": "a", "length": 0}]}`, "sensors:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_FileChecks(t *testing.T) {
	_, err := LoadConfig("config.yaml")
	assert.ErrorContains(t, err, ".json extension")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to stat")

	big := filepath.Join(t.TempDir(), "big.json")
	require.NoError(t, os.WriteFile(big, []byte(`{"port":"`+strings.Repeat("x", 2*1024*1024)+`"}`), 0644))
	_, err = LoadConfig(big)
	assert.ErrorContains(t, err, "too large")
}

func TestSensorID_JSON(t *testing.T) {
	var sc SensorConfig
	require.NoError(t, json.Unmarshal([]byte(`{"id":"17","name":"a","length":1}`), &sc))
	assert.Equal(t, SensorID(17), sc.ID)

	data, err := json.Marshal(SensorConfig{ID: 0x80, Name: "Lidar_North", Length: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"0x80","name":"Lidar_North","length":1}`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`{"id":1.5}`), &sc))
	assert.Error(t, json.Unmarshal([]byte(`{"id":true}`), &sc))
}

func TestParseNames(t *testing.T) {
	v, err := ParseVariant("EXTENDED")
	require.NoError(t, err)
	assert.Equal(t, handshake.Extended, v)

	p, err := ParseRequestPolicy("")
	require.NoError(t, err)
	assert.Equal(t, handshake.Resync, p)
}
