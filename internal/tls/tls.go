// Package tls backs the optional HTTPS listener with a self-signed
// certificate, generated on first use and reloaded from disk on every
// handshake so a replaced pair takes effect without a restart.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCertName = "devmux_ca.crt"
	certName   = "devmux.crt"
	keyName    = "devmux.key"
)

// AutoConfig returns a TLS config serving the certificate pair under dir,
// generating a self-signed pair when none exists yet.
func AutoConfig(dir string) (*tls.Config, error) {
	certPath := filepath.Join(dir, certName)
	keyPath := filepath.Join(dir, keyName)
	if !certificatesExist(certPath, keyPath) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create tls dir: %w", err)
		}
		err := GenerateSelfSignedCert(CertConfig{
			CommonName:   "localhost",
			Organization: "devmux",
			DNSNames:     []string{"localhost"},
			IPAddresses:  []string{"127.0.0.1"},
			NotAfter:     time.Now().AddDate(5, 0, 0),
			CertPath:     certPath,
			KeyPath:      keyPath,
			CACertPath:   filepath.Join(dir, caCertName),
		})
		if err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
	}
	return &tls.Config{
		GetCertificate: certificateFunc(certPath, keyPath),
		MinVersion:     tls.VersionTLS13,
	}, nil
}

// certificateFunc loads the pair from disk per handshake.
func certificateFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := safeReadFile(baseDir, keyFile)
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

// safeReadFile reads p only if it resolves inside baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}
