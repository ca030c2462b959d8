// Package tlsutil builds TLS client configuration for the outbound
// connections the cell makes, today the HTTPS link to the LIS.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/nombers/test-sorter/errors"
)

// ClientConfig describes the TLS client side in deployment config.
// The system CA bundle is always trusted; CAFiles add lab-internal
// CAs on top of it.
type ClientConfig struct {
	// CAFiles are additional PEM bundles to trust, typically the lab
	// or hospital internal CA.
	CAFiles []string `yaml:"ca_files,omitempty"`

	// CertFile and KeyFile hold the client certificate pair when the
	// LIS requires mutual TLS. Both must be set together.
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`

	// ServerName overrides the expected certificate name, for LIS
	// endpoints addressed by IP.
	ServerName string `yaml:"server_name,omitempty"`

	// MinVersion is "1.2" or "1.3". Empty defaults to 1.2.
	MinVersion string `yaml:"min_version,omitempty"`

	// InsecureSkipVerify disables certificate verification. Bench use
	// only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
}

// Configured reports whether any TLS setting is present.
func (c ClientConfig) Configured() bool {
	return len(c.CAFiles) > 0 ||
		c.CertFile != "" ||
		c.KeyFile != "" ||
		c.ServerName != "" ||
		c.MinVersion != "" ||
		c.InsecureSkipVerify
}

// ClientTLS builds a tls.Config from cfg. It starts from the system
// CA pool, appends any configured CA bundles, and loads the client
// pair when mutual TLS is configured.
func ClientTLS(cfg ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         parseTLSVersion(cfg.MinVersion),
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "ClientTLS",
				fmt.Sprintf("read CA file %s", caFile))
		}
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.WrapInvalid(fmt.Errorf("no certificates in PEM data"),
				"tlsutil", "ClientTLS",
				fmt.Sprintf("parse CA file %s", caFile))
		}
	}
	tlsConfig.RootCAs = rootCAs

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("cert_file and key_file must be set together"),
				"tlsutil", "ClientTLS", "load client certificate")
		}
		pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "ClientTLS",
				"load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{pair}
	}

	return tlsConfig, nil
}

// parseTLSVersion maps a config version string to the crypto/tls
// constant, defaulting to 1.2.
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
