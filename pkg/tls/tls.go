package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientConfig describes how to reach a ReportPortal server over TLS
type ClientConfig struct {
	CAFile             string `mapstructure:"ca_file" yaml:"ca_file" json:"ca_file"`
	CertFile           string `mapstructure:"cert_file" yaml:"cert_file" json:"cert_file"`
	KeyFile            string `mapstructure:"key_file" yaml:"key_file" json:"key_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// IsZero reports whether no TLS customisation was requested
func (c ClientConfig) IsZero() bool {
	return c.CAFile == "" && c.CertFile == "" && c.KeyFile == "" && !c.InsecureSkipVerify
}

// LoadClientTLSConfig loads a client TLS configuration.
// An empty CA file means the system pool is used.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	// Client certificate for mTLS
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("both cert_file and key_file are required for client certificates")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}
