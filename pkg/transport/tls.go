package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// usesTLS reports whether the broker URL asks for an encrypted connection.
func usesTLS(brokerURL string) bool {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "tls", "ssl", "mqtts":
		return true
	}
	return u.Port() == "8883"
}

// newTLSConfig creates a TLS configuration for the MQTT client.
func newTLSConfig(cfg *Config, logger zerolog.Logger) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			logger.Error().Err(err).Str("ca_cert_file", cfg.CACertFile).Msg("Failed to read CA certificate file")
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			logger.Error().Str("ca_cert_file", cfg.CACertFile).Msg("Failed to append CA certificate to pool")
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
		logger.Info().Str("ca_cert_file", cfg.CACertFile).Msg("CA certificate loaded")
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			logger.Error().Err(err).
				Str("client_cert_file", cfg.ClientCertFile).
				Str("client_key_file", cfg.ClientKeyFile).
				Msg("Failed to load client certificate/key pair")
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		logger.Info().Str("client_cert_file", cfg.ClientCertFile).Msg("Client certificate and key loaded for mTLS")
	} else if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		logger.Warn().Msg("Client certificate or key file provided without its pair; mTLS will not be configured.")
	}

	return tlsConfig, nil
}
