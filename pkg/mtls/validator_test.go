package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

func init() {
	log.Init(log.Config{Level: "error", Output: io.Discard})
}

type certSpec struct {
	cn        string
	ous       []string
	serial    int64
	notBefore time.Time
	notAfter  time.Time
}

func makeCert(t *testing.T, spec certSpec) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	serial := spec.serial
	if serial == 0 {
		serial = 1
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:         spec.cn,
			OrganizationalUnit: spec.ous,
		},
		NotBefore: spec.notBefore,
		NotAfter:  spec.notAfter,
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

func validSpec() certSpec {
	return certSpec{
		cn:        "proxy-1",
		ous:       []string{"egress"},
		notBefore: time.Now().Add(-time.Hour),
		notAfter:  time.Now().Add(time.Hour),
	}
}

func TestVerifyPeerPolicy(t *testing.T) {
	expired := validSpec()
	expired.notAfter = time.Now().Add(-time.Hour)

	notYet := validSpec()
	notYet.notBefore = time.Now().Add(time.Hour)
	notYet.notAfter = time.Now().Add(2 * time.Hour)

	wrongCN := validSpec()
	wrongCN.cn = "intruder"

	wrongOU := validSpec()
	wrongOU.ous = []string{"finance"}

	tests := []struct {
		name     string
		cfg      Config
		spec     certSpec
		wantKind types.ErrorKind
	}{
		{
			name: "valid certificate",
			spec: validSpec(),
		},
		{
			name:     "expired beyond grace",
			cfg:      Config{ExpiredGrace: time.Minute},
			spec:     expired,
			wantKind: types.KindCertExpired,
		},
		{
			name:     "not yet valid",
			spec:     notYet,
			wantKind: types.KindCertInvalid,
		},
		{
			name:     "CN not allowed",
			cfg:      Config{AllowedCNs: []string{"proxy-1", "proxy-2"}},
			spec:     wrongCN,
			wantKind: types.KindCertInvalid,
		},
		{
			name: "CN allowed",
			cfg:  Config{AllowedCNs: []string{"proxy-1", "proxy-2"}},
			spec: validSpec(),
		},
		{
			name:     "no matching OU",
			cfg:      Config{AllowedOUs: []string{"egress"}},
			spec:     wrongOU,
			wantKind: types.KindCertInvalid,
		},
		{
			name: "matching OU",
			cfg:  Config{AllowedOUs: []string{"egress", "ingress"}},
			spec: validSpec(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(tt.cfg)
			err := v.VerifyPeer([]*x509.Certificate{makeCert(t, tt.spec)})
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("VerifyPeer() = %v, want nil", err)
				}
				return
			}
			if !types.IsKind(err, tt.wantKind) {
				t.Errorf("VerifyPeer() = %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}

func TestVerifyPeerExpiredWithinGrace(t *testing.T) {
	spec := validSpec()
	spec.notAfter = time.Now().Add(-30 * time.Second)

	v := NewValidator(Config{ExpiredGrace: 5 * time.Minute})
	if err := v.VerifyPeer([]*x509.Certificate{makeCert(t, spec)}); err != nil {
		t.Fatalf("VerifyPeer() = %v, want grace acceptance", err)
	}

	snap := v.Stats().Snapshot()
	if snap.GraceAccepts != 1 {
		t.Errorf("grace accepts = %d, want 1", snap.GraceAccepts)
	}
	if snap.Successes != 1 {
		t.Errorf("successes = %d, want 1", snap.Successes)
	}
}

func TestVerifyPeerRevocation(t *testing.T) {
	spec := validSpec()
	spec.serial = 4242
	cert := makeCert(t, spec)

	v := NewValidator(Config{})
	if err := v.VerifyPeer([]*x509.Certificate{cert}); err != nil {
		t.Fatalf("pre-revocation VerifyPeer() = %v", err)
	}

	v.Revoke(cert.SerialNumber.String(), "key compromised", time.Now())
	err := v.VerifyPeer([]*x509.Certificate{cert})
	if !types.IsKind(err, types.KindCertRevoked) {
		t.Errorf("VerifyPeer() = %v, want cert_revoked", err)
	}

	// SetRevocations replaces the list wholesale.
	v.SetRevocations(nil)
	if err := v.VerifyPeer([]*x509.Certificate{cert}); err != nil {
		t.Errorf("VerifyPeer() after clearing revocations = %v", err)
	}
}

func TestVerifyPeerChainDepth(t *testing.T) {
	v := NewValidator(Config{MaxChainDepth: 2})
	chain := []*x509.Certificate{
		makeCert(t, validSpec()),
		makeCert(t, validSpec()),
		makeCert(t, validSpec()),
	}
	err := v.VerifyPeer(chain)
	if !types.IsKind(err, types.KindChainTooLong) {
		t.Errorf("VerifyPeer() = %v, want chain_too_long", err)
	}
}

func TestVerifyPeerMissingCertificate(t *testing.T) {
	required := NewValidator(Config{RequireClientCert: true})
	err := required.VerifyPeer(nil)
	if !types.IsKind(err, types.KindCertMissing) {
		t.Errorf("VerifyPeer() = %v, want cert_missing", err)
	}

	optional := NewValidator(Config{})
	if err := optional.VerifyPeer(nil); err != nil {
		t.Errorf("VerifyPeer() = %v, want nil when cert optional", err)
	}
}

func TestVerifyPeerCustomHook(t *testing.T) {
	hookErr := errors.New("device not enrolled")
	v := NewValidator(Config{
		CustomVerify: func(cert *x509.Certificate) error {
			if cert.Subject.CommonName != "enrolled" {
				return hookErr
			}
			return nil
		},
	})

	err := v.VerifyPeer([]*x509.Certificate{makeCert(t, validSpec())})
	if !types.IsKind(err, types.KindCertInvalid) {
		t.Errorf("VerifyPeer() = %v, want cert_invalid from custom hook", err)
	}
	if snap := v.Stats().Snapshot(); snap.CustomFailures != 1 {
		t.Errorf("custom failures = %d, want 1", snap.CustomFailures)
	}

	enrolled := validSpec()
	enrolled.cn = "enrolled"
	if err := v.VerifyPeer([]*x509.Certificate{makeCert(t, enrolled)}); err != nil {
		t.Errorf("VerifyPeer() = %v, want custom hook pass", err)
	}
}

func TestReloadRejectsBadCABundle(t *testing.T) {
	certPEM, keyPEM := makeServerPair(t)

	v := NewValidator(Config{})
	err := v.Reload(certPEM, keyPEM, []byte("not a pem bundle"))
	if !types.IsKind(err, types.KindCAInvalid) {
		t.Fatalf("Reload() = %v, want ca_invalid", err)
	}
	if snap := v.Stats().Snapshot(); snap.CAErrors != 1 {
		t.Errorf("ca errors = %d, want 1", snap.CAErrors)
	}
}

func TestReloadSwapsTLSConfig(t *testing.T) {
	certPEM, keyPEM := makeServerPair(t)

	v := NewValidator(Config{})
	listener := v.TLSConfig()

	// Before the first load, handshakes cannot resolve a configuration.
	if _, err := listener.GetConfigForClient(nil); err == nil {
		t.Fatal("GetConfigForClient succeeded before Reload")
	}

	if err := v.Reload(certPEM, keyPEM, certPEM); err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	conf, err := listener.GetConfigForClient(nil)
	if err != nil {
		t.Fatalf("GetConfigForClient() = %v", err)
	}
	if len(conf.Certificates) != 1 {
		t.Errorf("certificates = %d, want 1", len(conf.Certificates))
	}

	// A second reload is picked up without touching the listener config.
	if err := v.Reload(certPEM, keyPEM, certPEM); err != nil {
		t.Fatalf("second Reload() = %v", err)
	}
	next, err := listener.GetConfigForClient(nil)
	if err != nil {
		t.Fatalf("GetConfigForClient() after reload = %v", err)
	}
	if next == conf {
		t.Error("reload did not swap the served configuration")
	}
}

func makeServerPair(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "manager"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}
