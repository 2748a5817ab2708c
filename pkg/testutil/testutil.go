// Package testutil provides shared helpers for tests that need generated
// certificates and seeded database index files.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/certswap/certswap/pkg/certdb"
)

// GenerateCertPEM returns a self-signed PEM certificate for the subject,
// valid for the given duration.
func GenerateCertPEM(t *testing.T, subject string, validFor time.Duration) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: subject},
		DNSNames:     []string{subject},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// WriteCertFile writes <certDir>/<subject>.crt the way the acquisition
// workflow would.
func WriteCertFile(t *testing.T, certDir, subject string, pemData []byte) string {
	t.Helper()
	path := filepath.Join(certDir, subject+".crt")
	require.NoError(t, os.WriteFile(path, pemData, 0644))
	return path
}

// WriteIndexFiles seeds a generation directory with a complete index file
// set holding the given certificate records.
func WriteIndexFiles(t *testing.T, dir string, certs []certdb.CertRecord) {
	t.Helper()

	certData, err := json.MarshalIndent(certs, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cert-index"), certData, 0660))

	keyData := []byte(`[{"nickname":"server-key","key_id":"0001"}]`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key-index"), keyData, 0660))

	moduleData := []byte(`{"version":1,"auth":"shared","modules":[]}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "module-index"), moduleData, 0660))
}

// ReadCertIndex decodes the cert-index file in dir.
func ReadCertIndex(t *testing.T, dir string) []certdb.CertRecord {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, "cert-index"))
	require.NoError(t, err)

	var certs []certdb.CertRecord
	require.NoError(t, json.Unmarshal(data, &certs))
	return certs
}
