// Package natsserver runs an in-process NATS broker so a skill can be tried
// without any external infrastructure.
package natsserver

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer wraps a NATS server instance.
type EmbeddedServer struct {
	ns       *server.Server
	log      *slog.Logger
	tempDir  string
	mqttPort int
}

// Options configures the embedded broker. Port -1 picks a random free port.
// A non-zero MQTTPort adds an MQTT listener, which runs on JetStream and
// keeps its state under StoreDir (a temporary directory when empty).
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	MQTTPort int
	StoreDir string
}

// FromBroker derives server options from the client's broker settings so
// both sides agree on address and credentials. For MQTT clients the
// configured port belongs to the MQTT listener and NATS gets a random one.
func FromBroker(cfg config.BrokerConfig) Options {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	opts := Options{
		Host:     host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if cfg.Kind == config.BrokerMQTT || cfg.Kind == "" {
		opts.Port = -1
		opts.MQTTPort = cfg.Port
		opts.StoreDir = cfg.StoreDir
	}
	return opts
}

// Start creates and starts an embedded NATS server. JetStream stays off
// unless MQTT needs it: dialogue traffic is fire-and-forget.
func Start(opts Options, log *slog.Logger) (*EmbeddedServer, error) {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	sopts := &server.Options{
		Host:     host,
		Port:     opts.Port,
		Username: opts.Username,
		Password: opts.Password,
		NoSigs:   true,
		NoLog:    true,
	}

	var tempDir string
	if opts.MQTTPort != 0 {
		storeDir := opts.StoreDir
		if storeDir == "" {
			dir, err := os.MkdirTemp("", "hermes-broker-")
			if err != nil {
				return nil, fmt.Errorf("create broker store: %w", err)
			}
			storeDir, tempDir = dir, dir
		}
		sopts.ServerName = "hermes-embedded"
		sopts.JetStream = true
		sopts.StoreDir = storeDir
		sopts.MQTT = server.MQTTOpts{Host: host, Port: opts.MQTTPort}
	}

	ns, err := server.NewServer(sopts)
	if err != nil {
		removeDir(tempDir)
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		removeDir(tempDir)
		return nil, fmt.Errorf("embedded NATS server failed to start within %s", readyTimeout)
	}

	e := &EmbeddedServer{ns: ns, tempDir: tempDir}
	if opts.MQTTPort != 0 {
		// the MQTT listener writes back the port it bound
		e.mqttPort = sopts.MQTT.Port
	}
	e.log = log.With(slog.String("component", "natsserver"))
	e.log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()), slog.Int("mqtt_port", e.mqttPort))
	return e, nil
}

func removeDir(dir string) {
	if dir != "" {
		_ = os.RemoveAll(dir)
	}
}

// ClientURL returns the nats:// URL clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Port returns the port the server actually listens on.
func (e *EmbeddedServer) Port() int {
	if tcp, ok := e.ns.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// MQTTPort returns the port of the MQTT listener, zero without one.
func (e *EmbeddedServer) MQTTPort() int {
	return e.mqttPort
}

// Shutdown gracefully shuts down the embedded NATS server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
	removeDir(e.tempDir)
}
