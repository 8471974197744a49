package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort    = 1883
	DefaultTLSPort = 8883

	BrokerMQTT = "mqtt"
	BrokerNATS = "nats"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	SkillName   string          `yaml:"skill_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Broker      BrokerConfig    `yaml:"broker"`
	Dialogue    DialogueConfig  `yaml:"dialogue"`
	Recorder    RecorderConfig  `yaml:"recorder"`
	Rooms       RoomsConfig     `yaml:"rooms"`
	Actions     []ActionConfig  `yaml:"actions"`
}

type BrokerConfig struct {
	Kind           string `yaml:"kind"` // mqtt, nats
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	CAFile         string `yaml:"ca_file"`
	ClientCert     string `yaml:"client_cert"`
	ClientKey      string `yaml:"client_key"`
	TLSHostname    string `yaml:"tls_hostname"`
	TLSInsecure    bool   `yaml:"tls_insecure"`
	KeepAlive      int    `yaml:"keepalive_s"`
	ConnectTimeout int    `yaml:"connect_timeout_ms"`
	Embedded       bool   `yaml:"embedded"`
	StoreDir       string `yaml:"store_dir"` // embedded MQTT needs JetStream storage
	SnipsConfig    string `yaml:"snips_config"`
}

// TLSEnabled reports whether the broker connection must use TLS: any
// certificate material switches it on, as does the well-known secure port.
func (b BrokerConfig) TLSEnabled() bool {
	return b.CAFile != "" || b.ClientCert != "" || b.Port == DefaultTLSPort
}

// Address returns host:port.
func (b BrokerConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

type DialogueConfig struct {
	QoS               int     `yaml:"qos"`
	MinConfidence     float64 `yaml:"min_confidence"`
	PardonPrompt      string  `yaml:"pardon_prompt"`
	InternalErrorText string  `yaml:"internal_error_text"`
	LogLevel          string  `yaml:"log_level"`
	SiteID            string  `yaml:"site_id"`
}

type RecorderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	// retention is reapplied after this many ended sessions; 0 or 1 prunes
	// on every one
	PruneEvery    int    `yaml:"prune_every"`
}

type RoomsConfig struct {
	Slot         string            `yaml:"slot"`
	Sites        map[string]string `yaml:"sites"`
	Here         []string          `yaml:"here"`
	Prepositions map[string]string `yaml:"prepositions"`
	Unknown      string            `yaml:"unknown_room_text"`
	Unconfigured string            `yaml:"unconfigured_site_text"`
}

type SlotRequirement struct {
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
	Kind   string `yaml:"kind"`
}

type ActionConfig struct {
	Intent        string            `yaml:"intent"`
	Kind          string            `yaml:"kind"` // exec, wasm
	Command       string            `yaml:"command"`
	Module        string            `yaml:"module"`
	Entrypoint    string            `yaml:"entrypoint"`
	Env           map[string]string `yaml:"env"`
	Silent        bool              `yaml:"silent"`
	MinConfidence float64           `yaml:"min_confidence"`
	Slots         []SlotRequirement `yaml:"slots"`
	TimeoutMS     int               `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		SkillName:   "hermes-skill",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: false,
			Bind:    "0.0.0.0",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPInsecure: true,
		},
		Broker: BrokerConfig{
			Kind:           BrokerMQTT,
			Host:           "localhost",
			Port:           DefaultPort,
			KeepAlive:      60,
			ConnectTimeout: 5000,
		},
		Dialogue: DialogueConfig{
			QoS:               1,
			PardonPrompt:      "Pardon?",
			InternalErrorText: "Sorry, something went wrong.",
			LogLevel:          "debug",
			SiteID:            "default",
		},
		Recorder: RecorderConfig{
			Enabled:       false,
			Path:          "./data/hermes-dialogue.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			PruneEvery:    100,
		},
		Rooms: RoomsConfig{
			Slot:         "room",
			Here:         []string{"here", "this room"},
			Unknown:      "The room {room} is unknown.",
			Unconfigured: "This room has not been configured yet.",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// snips.toml sits between the YAML file and the environment
	overrideString(&cfg.Broker.SnipsConfig, "HERMES_BROKER_SNIPS_CONFIG")
	if cfg.Broker.SnipsConfig != "" {
		if err := ApplySnipsConfig(&cfg.Broker, cfg.Broker.SnipsConfig); err != nil {
			return cfg, err
		}
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LogLevel parses the telemetry log level, falling back to info.
func (c Config) LogLevel() slog.Level {
	return ParseLevel(c.Telemetry.LogLevel, slog.LevelInfo)
}

// ParseLevel parses a slog level name such as "debug" or "warn+2".
func ParseLevel(value string, fallback slog.Level) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.SkillName, "HERMES_SKILL_NAME")
	overrideString(&cfg.Environment, "HERMES_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "HERMES_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "HERMES_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HERMES_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "HERMES_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "HERMES_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HERMES_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HERMES_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "HERMES_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Broker.Kind, "HERMES_BROKER_KIND")
	overrideString(&cfg.Broker.Host, "HERMES_BROKER_HOST")
	overrideInt(&cfg.Broker.Port, "HERMES_BROKER_PORT")
	overrideString(&cfg.Broker.ClientID, "HERMES_BROKER_CLIENT_ID")
	overrideString(&cfg.Broker.Username, "HERMES_BROKER_USERNAME")
	overrideString(&cfg.Broker.Password, "HERMES_BROKER_PASSWORD")
	overrideString(&cfg.Broker.CAFile, "HERMES_BROKER_CA_FILE")
	overrideString(&cfg.Broker.ClientCert, "HERMES_BROKER_CLIENT_CERT")
	overrideString(&cfg.Broker.ClientKey, "HERMES_BROKER_CLIENT_KEY")
	overrideString(&cfg.Broker.TLSHostname, "HERMES_BROKER_TLS_HOSTNAME")
	overrideBool(&cfg.Broker.TLSInsecure, "HERMES_BROKER_TLS_INSECURE")
	overrideInt(&cfg.Broker.KeepAlive, "HERMES_BROKER_KEEPALIVE_S")
	overrideInt(&cfg.Broker.ConnectTimeout, "HERMES_BROKER_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.Broker.Embedded, "HERMES_BROKER_EMBEDDED")
	overrideString(&cfg.Broker.StoreDir, "HERMES_BROKER_STORE_DIR")
	overrideInt(&cfg.Dialogue.QoS, "HERMES_DIALOGUE_QOS")
	overrideFloat(&cfg.Dialogue.MinConfidence, "HERMES_DIALOGUE_MIN_CONFIDENCE")
	overrideString(&cfg.Dialogue.PardonPrompt, "HERMES_DIALOGUE_PARDON_PROMPT")
	overrideString(&cfg.Dialogue.InternalErrorText, "HERMES_DIALOGUE_INTERNAL_ERROR_TEXT")
	overrideString(&cfg.Dialogue.LogLevel, "HERMES_DIALOGUE_LOG_LEVEL")
	overrideString(&cfg.Dialogue.SiteID, "HERMES_DIALOGUE_SITE_ID")
	overrideBool(&cfg.Recorder.Enabled, "HERMES_RECORDER_ENABLED")
	overrideString(&cfg.Recorder.Path, "HERMES_RECORDER_PATH")
	overrideString(&cfg.Recorder.RetentionMode, "HERMES_RECORDER_RETENTION_MODE")
	overrideInt(&cfg.Recorder.RetentionDays, "HERMES_RECORDER_RETENTION_DAYS")
	overrideInt(&cfg.Recorder.MaxSessions, "HERMES_RECORDER_MAX_SESSIONS")
	overrideBool(&cfg.Recorder.VacuumOnStart, "HERMES_RECORDER_VACUUM_ON_START")
	overrideInt(&cfg.Recorder.PruneEvery, "HERMES_RECORDER_PRUNE_EVERY")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.SkillName == "" {
		return errors.New("skill_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Broker.Kind {
	case BrokerMQTT, BrokerNATS:
	default:
		return errors.New("broker.kind must be one of mqtt|nats")
	}
	if cfg.Broker.Host == "" && !cfg.Broker.Embedded {
		return errors.New("broker.host must not be empty")
	}
	if cfg.Broker.Port <= 0 || cfg.Broker.Port > 65535 {
		return errors.New("broker.port must be between 1 and 65535")
	}
	if cfg.Broker.ClientKey != "" && cfg.Broker.ClientCert == "" {
		return errors.New("broker.client_key requires broker.client_cert")
	}
	if cfg.Dialogue.QoS < 0 || cfg.Dialogue.QoS > 2 {
		return errors.New("dialogue.qos must be 0, 1 or 2")
	}
	if cfg.Dialogue.MinConfidence < 0 || cfg.Dialogue.MinConfidence > 1 {
		return errors.New("dialogue.min_confidence must be within [0, 1]")
	}
	if cfg.Recorder.Enabled {
		if cfg.Recorder.Path == "" {
			return errors.New("recorder.path must not be empty")
		}
		switch cfg.Recorder.RetentionMode {
		case "ephemeral", "session", "persistent":
		default:
			return errors.New("recorder.retention_mode must be one of ephemeral|session|persistent")
		}
		if cfg.Recorder.RetentionDays < 0 {
			return errors.New("recorder.retention_days must be >= 0")
		}
		if cfg.Recorder.PruneEvery < 0 {
			return errors.New("recorder.prune_every must be >= 0")
		}
	}
	seen := make(map[string]struct{}, len(cfg.Actions))
	for i, action := range cfg.Actions {
		if action.Intent == "" {
			return fmt.Errorf("actions[%d].intent must not be empty", i)
		}
		if _, dup := seen[action.Intent]; dup {
			return fmt.Errorf("actions[%d]: duplicate intent %s", i, action.Intent)
		}
		seen[action.Intent] = struct{}{}
		switch action.Kind {
		case "exec":
			if action.Command == "" {
				return fmt.Errorf("actions[%d].command must be set when kind=exec", i)
			}
		case "wasm":
			if action.Module == "" {
				return fmt.Errorf("actions[%d].module must be set when kind=wasm", i)
			}
		default:
			return fmt.Errorf("actions[%d].kind must be one of exec|wasm", i)
		}
		if action.MinConfidence < 0 || action.MinConfidence > 1 {
			return fmt.Errorf("actions[%d].min_confidence must be within [0, 1]", i)
		}
		for j, slot := range action.Slots {
			if slot.Name == "" || slot.Prompt == "" {
				return fmt.Errorf("actions[%d].slots[%d] needs name and prompt", i, j)
			}
		}
	}
	return nil
}
