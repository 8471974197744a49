package bus

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/loqalabs/hermeskit/internal/config"
)

// TLSConfig builds the client TLS settings from the broker's certificate
// material. A client key may be omitted when the certificate file also holds
// the key.
func TLSConfig(cfg config.BrokerConfig) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.TLSHostname,
		InsecureSkipVerify: cfg.TLSInsecure,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca file contains no PEM certificates")
		}
		tc.RootCAs = pool
	}

	if cfg.ClientCert != "" {
		keyFile := cfg.ClientKey
		if keyFile == "" {
			keyFile = cfg.ClientCert
		}
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	return tc, nil
}
