package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAutoConfigGeneratesPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")

	cfg, err := AutoConfig(dir)
	require.NoError(t, err)
	require.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	info, err := os.Stat(filepath.Join(dir, keyName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	require.NotNil(t, cert)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Equal(t, "localhost", leaf.Subject.CommonName)
	require.Contains(t, leaf.DNSNames, "localhost")
	require.Len(t, leaf.IPAddresses, 1)
}

func TestAutoConfigReusesExistingPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")

	_, err := AutoConfig(dir)
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(dir, certName))
	require.NoError(t, err)

	_, err = AutoConfig(dir)
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(dir, certName))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestGenerateSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "out.crt")
	keyPath := filepath.Join(dir, "out.key")
	caPath := filepath.Join(dir, "ca.crt")

	err := GenerateSelfSignedCert(CertConfig{
		CommonName:   "example",
		Organization: "acme",
		DNSNames:     []string{"example.test"},
		IPAddresses:  []string{"10.0.0.1", "not an ip"},
		NotAfter:     time.Now().Add(time.Hour),
		CertPath:     certPath,
		KeyPath:      keyPath,
		CACertPath:   caPath,
	})
	require.NoError(t, err)

	_, err = tls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)

	caPEM, err := os.ReadFile(caPath)
	require.NoError(t, err)
	block, _ := pem.Decode(caPEM)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	require.Equal(t, "example", leaf.Subject.CommonName)
	// the unparseable address is dropped rather than failing generation
	require.Len(t, leaf.IPAddresses, 1)
}

func TestSafeReadFileRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "..", "outside.txt")

	_, err := safeReadFile(dir, outside)
	require.Error(t, err)
}
