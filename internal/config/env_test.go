package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestEnvFrom_Defaults(t *testing.T) {
	env, err := EnvFrom(lookup(map[string]string{
		"HA_URL":          "ws://homeassistant.local:8123/api/websocket",
		"HA_TOKEN":        "token",
		"INSTALLATION_ID": "inst-1",
	}))
	require.NoError(t, err)

	assert.Equal(t, "ha", env.MQTTNamespace)
	assert.Equal(t, "smart_heating.db", env.DBPath)
	assert.Equal(t, "./configs", env.ConfigDir)
	assert.Equal(t, 8081, env.HTTPPort)
	assert.False(t, env.ReadOnly)
	assert.False(t, env.OptimizerEnabled())
}

func TestEnvFrom_Overrides(t *testing.T) {
	env, err := EnvFrom(lookup(map[string]string{
		"HA_URL":            "ws://ha/api/websocket",
		"HA_TOKEN":          "token",
		"INSTALLATION_ID":   "inst-1",
		"READ_ONLY":         "true",
		"HTTP_PORT":         "9090",
		"MQTT_NAMESPACE":    " heating ",
		"OPTIMIZER_API_KEY": "key",
		"CUSTOMER_ID":       "cust-1",
	}))
	require.NoError(t, err)

	assert.True(t, env.ReadOnly)
	assert.Equal(t, 9090, env.HTTPPort)
	assert.Equal(t, "heating", env.MQTTNamespace)
	assert.True(t, env.OptimizerEnabled())
}

func TestEnvFrom_MissingRequired(t *testing.T) {
	_, err := EnvFrom(lookup(map[string]string{"HA_URL": "ws://ha"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HA_TOKEN")
	assert.Contains(t, err.Error(), "INSTALLATION_ID")
	assert.NotContains(t, err.Error(), "HA_URL")
}

func TestEnvFrom_InvalidPort(t *testing.T) {
	_, err := EnvFrom(lookup(map[string]string{
		"HA_URL":          "ws://ha",
		"HA_TOKEN":        "token",
		"INSTALLATION_ID": "inst-1",
		"HTTP_PORT":       "http",
	}))
	assert.Error(t, err)
}
