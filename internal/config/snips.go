package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// DefaultSnipsConfig is where a Snips platform installation keeps its
// shared settings.
const DefaultSnipsConfig = "/etc/snips.toml"

type snipsFile struct {
	Common snipsCommon `toml:"snips-common"`
}

type snipsCommon struct {
	MQTT           string `toml:"mqtt"`
	MQTTUsername   string `toml:"mqtt_username"`
	MQTTPassword   string `toml:"mqtt_password"`
	MQTTCAFile     string `toml:"mqtt_tls_cafile"`
	MQTTClientCert string `toml:"mqtt_tls_client_cert"`
	MQTTClientKey  string `toml:"mqtt_tls_client_key"`
	MQTTHostname   string `toml:"mqtt_tls_hostname"`
}

// ApplySnipsConfig reads the [snips-common] section of a snips.toml file and
// copies the broker settings it defines into cfg.
func ApplySnipsConfig(cfg *BrokerConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snips config: %w", err)
	}
	var file snipsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse snips config: %w", err)
	}
	common := file.Common

	if common.MQTT != "" {
		host, port, err := ParseHostPort(common.MQTT, DefaultPort)
		if err != nil {
			return fmt.Errorf("snips-common.mqtt: %w", err)
		}
		cfg.Host = host
		cfg.Port = port
	}
	if common.MQTTUsername != "" {
		cfg.Username = common.MQTTUsername
		// a password without a user name is meaningless to the broker
		cfg.Password = common.MQTTPassword
	}
	if common.MQTTCAFile != "" {
		cfg.CAFile = common.MQTTCAFile
	}
	if common.MQTTClientCert != "" {
		cfg.ClientCert = common.MQTTClientCert
		cfg.ClientKey = common.MQTTClientKey
	}
	if common.MQTTHostname != "" {
		cfg.TLSHostname = common.MQTTHostname
	}
	return nil
}

// ParseHostPort splits "host[:port]", using fallback when no port is given.
func ParseHostPort(value string, fallback int) (string, int, error) {
	value = strings.TrimSpace(value)
	host, portText, found := strings.Cut(value, ":")
	if !found {
		return host, fallback, nil
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", value)
	}
	if host == "" {
		host = "localhost"
	}
	return host, port, nil
}
