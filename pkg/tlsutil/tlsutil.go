// Package tlsutil builds client TLS configurations for broker and store
// connections.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/sessionflow/errors"
)

// ClientConfig describes how the process verifies a server and, when a
// certificate is given, how it authenticates itself. The system CA pool is
// always trusted; CAFiles add to it.
type ClientConfig struct {
	Enabled            bool     `koanf:"enabled"`
	CAFiles            []string `koanf:"ca_files"`
	CertFile           string   `koanf:"cert_file"`
	KeyFile            string   `koanf:"key_file"`
	ServerName         string   `koanf:"server_name"`
	MinVersion         string   `koanf:"min_version"`
	InsecureSkipVerify bool     `koanf:"insecure_skip_verify"` // tests only
}

// Mutual reports whether the config presents a client certificate
func (c ClientConfig) Mutual() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// LoadClientConfig returns the tls.Config for cfg, or nil when TLS is
// disabled
func LoadClientConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: no certificate in %s", errors.ErrInvalidConfig, caFile),
				"tlsutil", "LoadClientConfig", "parse CA file")
		}
	}

	tlsConfig := &tls.Config{
		RootCAs:            rootCAs,
		ServerName:         cfg.ServerName,
		MinVersion:         parseVersion(cfg.MinVersion),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.Mutual() {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: cert_file and key_file must be set together", errors.ErrInvalidConfig),
				"tlsutil", "LoadClientConfig", "load client certificate")
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// parseVersion maps "1.2" and "1.3" to their constants. Anything else is 1.2.
func parseVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
