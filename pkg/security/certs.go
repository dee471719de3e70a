package security

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/penguintechinc/marchproxy/pkg/types"
)

// ParseCertificatePEM decodes the first CERTIFICATE block from PEM data.
func ParseCertificatePEM(pemData []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return cert, nil
}

// Fingerprint returns the hex-encoded SHA-256 digest of the certificate's
// DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// CertificateRecord builds a store record from uploaded PEM material.
// The PEM is retained verbatim for snapshot rendering.
func CertificateRecord(id, name string, certType types.CertType, source types.CertSource, pemData []byte) (*types.Certificate, error) {
	cert, err := ParseCertificatePEM(pemData)
	if err != nil {
		return nil, err
	}

	return &types.Certificate{
		ID:           id,
		Name:         name,
		Type:         certType,
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		Fingerprint:  Fingerprint(cert),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		PEM:          string(pemData),
		Source:       source,
		Active:       true,
		CreatedAt:    time.Now(),
	}, nil
}

// NeedsRotation returns true if the certificate is issuer-backed, has
// auto-rotate enabled, and less than its rotation threshold remains until
// expiry. Uploaded certificates are never auto-renewed.
func NeedsRotation(record *types.Certificate, now time.Time) bool {
	if record.Source == types.CertSourceUpload || !record.AutoRotate {
		return false
	}
	threshold := time.Duration(record.RotationThreshold) * 24 * time.Hour
	return record.NotAfter.Sub(now) < threshold
}

// ValidateChain verifies that a certificate is signed by the given CA.
func ValidateChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("CA certificate is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}

	return nil
}

// CertPoolFromPEM builds a certificate pool from one or more concatenated
// PEM blocks. Used for CA bundles delivered in config snapshots.
func CertPoolFromPEM(pemData []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in PEM data")
	}
	return pool, nil
}
