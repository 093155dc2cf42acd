package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Env holds settings taken from the process environment
type Env struct {
	HAURL   string
	HAToken string

	MQTTBroker    string
	MQTTUsername  string
	MQTTPassword  string
	MQTTNamespace string

	OptimizerURL    string
	OptimizerAPIKey string
	CustomerID      string
	InstallationID  string

	ReadOnly    bool
	DBPath      string
	DDAgentAddr string
	HTTPPort    int
	ConfigDir   string
}

// OptimizerEnabled reports whether the cloud API credentials are present
func (e Env) OptimizerEnabled() bool {
	return e.OptimizerAPIKey != "" && e.CustomerID != ""
}

// LoadEnv reads Env from os.Getenv
func LoadEnv() (Env, error) {
	return EnvFrom(os.Getenv)
}

// EnvFrom reads Env through getenv, applying defaults and checking required values
func EnvFrom(getenv func(string) string) (Env, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	env := Env{
		HAURL:           get("HA_URL", ""),
		HAToken:         get("HA_TOKEN", ""),
		MQTTBroker:      get("MQTT_BROKER", ""),
		MQTTUsername:    get("MQTT_USERNAME", ""),
		MQTTPassword:    get("MQTT_PASSWORD", ""),
		MQTTNamespace:   get("MQTT_NAMESPACE", "ha"),
		OptimizerURL:    get("OPTIMIZER_URL", ""),
		OptimizerAPIKey: get("OPTIMIZER_API_KEY", ""),
		CustomerID:      get("CUSTOMER_ID", ""),
		InstallationID:  get("INSTALLATION_ID", ""),
		ReadOnly:        get("READ_ONLY", "") == "true",
		DBPath:          get("DB_PATH", "smart_heating.db"),
		DDAgentAddr:     get("DD_AGENT_ADDR", ""),
		ConfigDir:       get("CONFIG_DIR", "./configs"),
	}

	port, err := strconv.Atoi(get("HTTP_PORT", "8081"))
	if err != nil || port <= 0 || port > 65535 {
		return Env{}, fmt.Errorf("invalid HTTP_PORT %q", getenv("HTTP_PORT"))
	}
	env.HTTPPort = port

	var missing []string
	if env.HAURL == "" {
		missing = append(missing, "HA_URL")
	}
	if env.HAToken == "" {
		missing = append(missing, "HA_TOKEN")
	}
	if env.InstallationID == "" {
		missing = append(missing, "INSTALLATION_ID")
	}
	if len(missing) > 0 {
		return Env{}, errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}
	return env, nil
}
