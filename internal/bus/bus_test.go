package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/natsserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, opts natsserver.Options) *natsserver.EmbeddedServer {
	t.Helper()
	opts.Host = "127.0.0.1"
	opts.Port = -1
	srv, err := natsserver.Start(opts, discardLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

func startMQTTServer(t *testing.T, opts natsserver.Options) *natsserver.EmbeddedServer {
	t.Helper()
	opts.MQTTPort = -1
	opts.StoreDir = t.TempDir()
	return startServer(t, opts)
}

func mqttBroker(port int, clientID string) config.BrokerConfig {
	return config.BrokerConfig{
		Kind:           config.BrokerMQTT,
		Host:           "127.0.0.1",
		Port:           port,
		ClientID:       clientID,
		ConnectTimeout: 5000,
	}
}

func expectOne(t *testing.T, received <-chan Message) Message {
	t.Helper()
	var msg Message
	select {
	case msg = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	select {
	case dup := <-received:
		t.Fatalf("unexpected duplicate delivery on %s", dup.Topic)
	case <-time.After(300 * time.Millisecond):
	}
	return msg
}

func natsBroker(port int) config.BrokerConfig {
	return config.BrokerConfig{
		Kind:           config.BrokerNATS,
		Host:           "127.0.0.1",
		Port:           port,
		ConnectTimeout: 2000,
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(config.BrokerConfig{Kind: "amqp"}, "test", Handlers{}, discardLogger())
	require.Error(t, err)
}

func TestNewMQTTDoesNotDial(t *testing.T) {
	cfg := config.Default().Broker
	tr, err := New(cfg, "test", Handlers{}, discardLogger())
	require.NoError(t, err)
	assert.False(t, tr.Healthy())
	assert.Error(t, tr.Publish("hermes/dialogueManager/endSession", 1, []byte("{}")))
}

func TestTLSConfigMissingCA(t *testing.T) {
	_, err := TLSConfig(config.BrokerConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")})
	require.Error(t, err)
}

func TestTLSConfigRejectsGarbageCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))
	_, err := TLSConfig(config.BrokerConfig{CAFile: path})
	require.Error(t, err)
}

func TestTLSConfigServerName(t *testing.T) {
	tc, err := TLSConfig(config.BrokerConfig{TLSHostname: "broker.example", TLSInsecure: true})
	require.NoError(t, err)
	assert.Equal(t, "broker.example", tc.ServerName)
	assert.True(t, tc.InsecureSkipVerify)
	assert.Nil(t, tc.RootCAs)
}

func TestNATSRoundTrip(t *testing.T) {
	srv := startServer(t, natsserver.Options{})

	received := make(chan Message, 4)
	var tr *NATS
	connects := 0
	handlers := Handlers{
		OnConnect: func(code byte) error {
			connects++
			require.Zero(t, code)
			if err := tr.Subscribe("hermes/intent/#", 1); err != nil {
				return err
			}
			// re-issuing a subscription must not duplicate deliveries
			return tr.Subscribe("hermes/intent/#", 1)
		},
		OnMessage: func(msg Message) { received <- msg },
	}
	var err error
	tr, err = NewNATS(natsBroker(srv.Port()), "test", handlers, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Close()
	assert.True(t, tr.Healthy())
	assert.Equal(t, 1, connects)

	require.NoError(t, tr.Publish("hermes/intent/user:lightsOn", 1, []byte(`{"sessionId":"s1"}`)))

	select {
	case msg := <-received:
		assert.Equal(t, "hermes/intent/user:lightsOn", msg.Topic)
		assert.JSONEq(t, `{"sessionId":"s1"}`, string(msg.Payload))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case msg := <-received:
		t.Fatalf("unexpected duplicate delivery on %s", msg.Topic)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNATSPublishRejectsDots(t *testing.T) {
	srv := startServer(t, natsserver.Options{})
	tr, err := NewNATS(natsBroker(srv.Port()), "test", Handlers{}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()

	assert.Error(t, tr.Publish("hermes/intent/v1.2", 0, nil))
}

func TestNATSConnectRejected(t *testing.T) {
	srv := startServer(t, natsserver.Options{Username: "skill", Password: "secret"})

	var code byte
	handlers := Handlers{
		OnConnect: func(c byte) error {
			code = c
			return nil
		},
	}
	cfg := natsBroker(srv.Port())
	cfg.Username = "skill"
	cfg.Password = "wrong"
	tr, err := NewNATS(cfg, "test", handlers, discardLogger())
	require.NoError(t, err)

	err = tr.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, connackNotAuthorized, code)
	assert.False(t, tr.Healthy())
}

func TestNATSOverlappingPatternsDeliverOnce(t *testing.T) {
	srv := startServer(t, natsserver.Options{})

	received := make(chan Message, 8)
	var tr *NATS
	handlers := Handlers{
		OnConnect: func(byte) error {
			for _, p := range []string{"hermes/intent/user:lightsOn", "hermes/+/user:lightsOn", "hermes/intent/#"} {
				if err := tr.Subscribe(p, 1); err != nil {
					return err
				}
			}
			return nil
		},
		OnMessage: func(msg Message) { received <- msg },
	}
	var err error
	tr, err = NewNATS(natsBroker(srv.Port()), "test", handlers, discardLogger())
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	defer tr.Close()
	assert.Len(t, tr.subs, 1)

	require.NoError(t, tr.Publish("hermes/intent/user:lightsOn", 1, []byte(`{"sessionId":"s1"}`)))
	assert.Equal(t, "hermes/intent/user:lightsOn", expectOne(t, received).Topic)
}

func TestMQTTRoundTrip(t *testing.T) {
	srv := startMQTTServer(t, natsserver.Options{})

	received := make(chan Message, 8)
	connected := make(chan error, 4)
	var sub *MQTT
	handlers := Handlers{
		OnConnect: func(code byte) error {
			if code != 0 {
				return fmt.Errorf("refused with %d", code)
			}
			err := sub.Subscribe("hermes/intent/user:lightsOn", 1)
			if err == nil {
				err = sub.Subscribe("hermes/intent/#", 1)
			}
			connected <- err
			return err
		},
		OnMessage: func(msg Message) { received <- msg },
	}
	var err error
	sub, err = NewMQTT(mqttBroker(srv.MQTTPort(), "skill"), "skill", handlers, discardLogger())
	require.NoError(t, err)
	require.NoError(t, sub.Connect(context.Background()))
	defer sub.Close()
	waitConnected := func() {
		t.Helper()
		select {
		case err := <-connected:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("connect handler never ran")
		}
	}
	waitConnected()
	assert.True(t, sub.Healthy())
	assert.Equal(t, []string{"hermes/intent/#"}, sub.filters.patterns())

	pub, err := NewMQTT(mqttBroker(srv.MQTTPort(), "dialogue-manager"), "dialogue-manager", Handlers{}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, pub.Connect(context.Background()))
	defer pub.Close()

	require.NoError(t, pub.Publish("hermes/intent/user:lightsOn", 1, []byte(`{"sessionId":"s1"}`)))
	msg := expectOne(t, received)
	assert.Equal(t, "hermes/intent/user:lightsOn", msg.Topic)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(msg.Payload))
	assert.Equal(t, byte(1), msg.QoS)

	// a reconnect re-runs the connect handler against a fresh filter set
	sub.onConnect(nil)
	waitConnected()
	assert.Equal(t, []string{"hermes/intent/#"}, sub.filters.patterns())

	require.NoError(t, pub.Publish("hermes/intent/user:lightsOff", 1, []byte(`{"sessionId":"s2"}`)))
	assert.Equal(t, "hermes/intent/user:lightsOff", expectOne(t, received).Topic)
}

func TestMQTTConnectRejected(t *testing.T) {
	srv := startMQTTServer(t, natsserver.Options{Username: "skill", Password: "secret"})

	errRejected := errors.New("rejected")
	var code byte
	handlers := Handlers{
		OnConnect: func(c byte) error {
			code = c
			return errRejected
		},
	}
	cfg := mqttBroker(srv.MQTTPort(), "skill")
	cfg.Username = "skill"
	cfg.Password = "wrong"
	tr, err := NewMQTT(cfg, "skill", handlers, discardLogger())
	require.NoError(t, err)
	defer tr.Close()

	err = tr.Connect(context.Background())
	require.ErrorIs(t, err, errRejected)
	assert.Equal(t, byte(5), code)
	assert.False(t, tr.Healthy())
}

func TestMQTTRefusalCodes(t *testing.T) {
	assert.False(t, isRefusal(0))
	for code := byte(1); code <= 5; code++ {
		assert.True(t, isRefusal(code), code)
	}
	assert.False(t, isRefusal(0x80))
}
