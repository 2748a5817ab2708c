package certdb

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/certswap/certswap/pkg/errors"
)

// expiryLayout is the human-readable validity-bound format used both in
// stored records and in log messages.
const expiryLayout = "Mon Jan 02 15:04:05 2006 UTC"

// Certificate is a parsed input certificate for one subject.
type Certificate struct {
	Subject string
	PEM     string
	X509    *x509.Certificate
}

// LoadCertificate reads and parses <certDir>/<subject>.crt. The file is
// supplied by the external acquisition workflow; a missing or unparsable
// file is fatal.
func LoadCertificate(certDir, subject string) (*Certificate, error) {
	path := filepath.Join(certDir, subject+".crt")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCertMissing,
			"failed to read certificate: %s", path)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.Newf(errors.ErrCertParse,
			"no certificate found in file: %s", path)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCertParse,
			"failed to parse certificate: %s", path)
	}

	return &Certificate{
		Subject: subject,
		PEM:     string(pem.EncodeToMemory(block)),
		X509:    cert,
	}, nil
}

// NotAfterText formats the certificate's expiry for log messages.
func (c *Certificate) NotAfterText() string {
	return c.X509.NotAfter.UTC().Format(expiryLayout)
}
