// Package transport builds the HTTPS clients used for directory and device
// calls. A single trusted root may be pinned; redirects are followed but logged.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"homereach/logging"
)

const maxRedirects = 10

// ErrInvalidRoot is returned when the pinned root PEM holds no certificate.
var ErrInvalidRoot = errors.New("transport: pinned root contains no certificate")

// Policy controls TLS trust for an HTTP client.
type Policy struct {
	// PinnedRootPEM, when set, is the only trusted root.
	PinnedRootPEM []byte
	// InsecureSkipVerify disables verification. Diagnostics only.
	InsecureSkipVerify bool
	Timeout            time.Duration
	Logger             *zap.Logger
}

// LoadPinnedRoot reads a PEM root from disk and checks it parses.
func LoadPinnedRoot(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pinned root: %w", err)
	}
	if !x509.NewCertPool().AppendCertsFromPEM(raw) {
		return nil, ErrInvalidRoot
	}
	return raw, nil
}

// TLSConfig returns the TLS configuration for the policy.
func (p Policy) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(p.PinnedRootPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(p.PinnedRootPEM) {
			return nil, ErrInvalidRoot
		}
		cfg.RootCAs = pool
	}
	if p.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

// NewHTTPClient builds an HTTP client honouring the policy.
func NewHTTPClient(p Policy) (*http.Client, error) {
	logger := logging.OrNop(p.Logger)

	tlsConfig, err := p.TLSConfig()
	if err != nil {
		return nil, err
	}
	if p.InsecureSkipVerify {
		logger.Warn("certificate verification disabled; use for diagnostics only")
	}

	return &http.Client{
		Timeout: p.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        32,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		CheckRedirect: redirectLogger(logger),
	}, nil
}

func redirectLogger(logger *zap.Logger) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		from := ""
		if len(via) > 0 {
			from = via[len(via)-1].URL.Host
		}
		logger.Warn("following redirect",
			zap.String("from", from),
			zap.String("to", req.URL.Host),
			zap.String("path", req.URL.Path),
		)
		return nil
	}
}
