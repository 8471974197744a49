package natsserver

import (
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBroker(t *testing.T) {
	cfg := config.Default().Broker
	cfg.Kind = config.BrokerNATS
	cfg.Host = ""
	cfg.Port = 4333
	cfg.Username = "skill"
	cfg.Password = "secret"

	opts := FromBroker(cfg)
	assert.Equal(t, Options{Host: "127.0.0.1", Port: 4333, Username: "skill", Password: "secret"}, opts)

	cfg.Kind = config.BrokerMQTT
	cfg.StoreDir = "/var/lib/hermes"
	opts = FromBroker(cfg)
	assert.Equal(t, -1, opts.Port)
	assert.Equal(t, 4333, opts.MQTTPort)
	assert.Equal(t, "/var/lib/hermes", opts.StoreDir)
}

func TestStartOnRandomPort(t *testing.T) {
	srv, err := Start(Options{Port: -1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	port := srv.Port()
	assert.Positive(t, port)
	assert.True(t, strings.HasSuffix(srv.ClientURL(), ":"+strconv.Itoa(port)), srv.ClientURL())
}

func TestStartWithMQTTListener(t *testing.T) {
	srv, err := Start(Options{Port: -1, MQTTPort: -1, StoreDir: t.TempDir()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	assert.Positive(t, srv.MQTTPort())
	assert.NotEqual(t, srv.Port(), srv.MQTTPort())

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.MQTTPort())))
	require.NoError(t, err)
	conn.Close()
}

func TestTempStoreRemovedOnShutdown(t *testing.T) {
	srv, err := Start(Options{Port: -1, MQTTPort: -1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	dir := srv.tempDir
	require.DirExists(t, dir)

	srv.Shutdown()
	assert.NoDirExists(t, dir)
}

func TestShutdownNil(t *testing.T) {
	var srv *EmbeddedServer
	srv.Shutdown()
}
