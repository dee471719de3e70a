package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/metrics"
	"github.com/penguintechinc/marchproxy/pkg/security"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// Config holds the policy applied to presented client certificates after
// standard chain verification.
type Config struct {
	// AllowedCNs, when non-empty, restricts the subject CN.
	AllowedCNs []string

	// AllowedOUs, when non-empty, requires at least one matching OU.
	AllowedOUs []string

	// MaxChainDepth bounds the presented chain length. Zero means no limit.
	MaxChainDepth int

	// ExpiredGrace accepts certificates expired by at most this duration,
	// with a warning.
	ExpiredGrace time.Duration

	// RequireClientCert rejects handshakes presenting no certificate.
	RequireClientCert bool

	// CustomVerify, when set, runs last and may reject the peer.
	CustomVerify func(cert *x509.Certificate) error
}

// Validator applies per-handshake certificate policy in the data plane. The
// TLS configuration it serves can be swapped atomically without restarting
// listeners.
type Validator struct {
	cfg Config

	tlsConf atomic.Pointer[tls.Config]

	revMu       sync.RWMutex
	revocations map[string]types.Revocation

	stats  *Stats
	logger zerolog.Logger
	now    func() time.Time
}

// NewValidator creates a validator with the given policy and an empty
// revocation list.
func NewValidator(cfg Config) *Validator {
	return &Validator{
		cfg:         cfg,
		revocations: make(map[string]types.Revocation),
		stats:       newStats(),
		logger:      log.WithComponent("mtls"),
		now:         time.Now,
	}
}

// Stats returns the validator's counters.
func (v *Validator) Stats() *Stats {
	return v.stats
}

// SetRevocations replaces the revocation list, typically on config snapshot
// swap.
func (v *Validator) SetRevocations(revs []types.Revocation) {
	m := make(map[string]types.Revocation, len(revs))
	for _, r := range revs {
		m[r.SerialNumber] = r
	}
	v.revMu.Lock()
	v.revocations = m
	v.revMu.Unlock()
}

// Revoke adds a single serial to the revocation list.
func (v *Validator) Revoke(serial, reason string, at time.Time) {
	v.revMu.Lock()
	v.revocations[serial] = types.Revocation{SerialNumber: serial, RevokedAt: at, Reason: reason}
	v.revMu.Unlock()
}

func (v *Validator) isRevoked(serial string) (types.Revocation, bool) {
	v.revMu.RLock()
	defer v.revMu.RUnlock()
	rev, ok := v.revocations[serial]
	return rev, ok
}

// VerifyPeer applies the validator's policy to a presented certificate
// chain, leaf first. It runs after the TLS stack's own chain verification.
func (v *Validator) VerifyPeer(chain []*x509.Certificate) error {
	start := v.now()
	err := v.verify(chain, start)
	v.stats.observeLatency(v.now().Sub(start))
	metrics.MTLSHandshakeDuration.Observe(v.now().Sub(start).Seconds())

	if err != nil {
		kind := types.KindOf(err)
		v.stats.recordFailure(kind)
		metrics.MTLSValidationsTotal.WithLabelValues(string(kind)).Inc()
		v.logger.Warn().Str("kind", string(kind)).Msg("peer certificate rejected")
		return err
	}

	v.stats.recordSuccess()
	metrics.MTLSValidationsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (v *Validator) verify(chain []*x509.Certificate, now time.Time) error {
	if len(chain) == 0 {
		if v.cfg.RequireClientCert {
			return types.NewError(types.KindCertMissing, "no client certificate presented")
		}
		return nil
	}

	if v.cfg.MaxChainDepth > 0 && len(chain) > v.cfg.MaxChainDepth {
		return types.NewError(types.KindChainTooLong, "chain depth %d exceeds limit %d", len(chain), v.cfg.MaxChainDepth)
	}

	cert := chain[0]

	if now.Before(cert.NotBefore) {
		return types.NewError(types.KindCertInvalid, "certificate not yet valid")
	}
	if now.After(cert.NotAfter) {
		overdue := now.Sub(cert.NotAfter)
		if v.cfg.ExpiredGrace <= 0 || overdue > v.cfg.ExpiredGrace {
			return types.NewError(types.KindCertExpired, "certificate expired %s ago", overdue)
		}
		v.stats.recordGraceAccept()
		v.logger.Warn().
			Str("subject", cert.Subject.CommonName).
			Dur("overdue", overdue).
			Msg("accepting expired certificate within grace window")
	}

	if rev, ok := v.isRevoked(cert.SerialNumber.String()); ok {
		return types.NewError(types.KindCertRevoked, "certificate revoked at %s: %s", rev.RevokedAt.Format(time.RFC3339), rev.Reason)
	}

	if len(v.cfg.AllowedCNs) > 0 && !contains(v.cfg.AllowedCNs, cert.Subject.CommonName) {
		return types.NewError(types.KindCertInvalid, "subject CN %q not allowed", cert.Subject.CommonName)
	}

	if len(v.cfg.AllowedOUs) > 0 {
		matched := false
		for _, ou := range cert.Subject.OrganizationalUnit {
			if contains(v.cfg.AllowedOUs, ou) {
				matched = true
				break
			}
		}
		if !matched {
			return types.NewError(types.KindCertInvalid, "no allowed OU in %v", cert.Subject.OrganizationalUnit)
		}
	}

	if v.cfg.CustomVerify != nil {
		if err := v.cfg.CustomVerify(cert); err != nil {
			v.stats.recordCustomFailure()
			return types.NewError(types.KindCertInvalid, "custom validation: %v", err)
		}
	}

	return nil
}

// Reload replaces the server certificate and CA bundle without restarting.
// The new TLS configuration becomes visible to in-progress listeners via
// GetConfigForClient on the next handshake.
func (v *Validator) Reload(certPEM, keyPEM, caPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to load server key pair: %w", err)
	}

	pool, err := security.CertPoolFromPEM(caPEM)
	if err != nil {
		v.stats.recordCAError()
		metrics.MTLSValidationsTotal.WithLabelValues(string(types.KindCAInvalid)).Inc()
		return types.NewError(types.KindCAInvalid, "failed to load CA bundle: %v", err)
	}

	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			chain := make([]*x509.Certificate, 0, len(rawCerts))
			for _, raw := range rawCerts {
				c, err := x509.ParseCertificate(raw)
				if err != nil {
					return types.NewError(types.KindCertInvalid, "failed to parse peer certificate: %v", err)
				}
				chain = append(chain, c)
			}
			return v.VerifyPeer(chain)
		},
	}
	if v.cfg.RequireClientCert {
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	}

	v.tlsConf.Store(conf)
	v.logger.Info().Msg("TLS configuration reloaded")
	return nil
}

// TLSConfig returns a configuration suitable for a long-lived listener.
// Each handshake resolves the current configuration, so Reload takes effect
// without a restart.
func (v *Validator) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			conf := v.tlsConf.Load()
			if conf == nil {
				return nil, fmt.Errorf("TLS configuration not loaded")
			}
			return conf, nil
		},
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
