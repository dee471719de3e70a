package auth

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/security"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// Authenticator validates per-connection credentials against a service's
// configured auth type. One instance serves all connections; it is
// stateless apart from its clock and logger.
type Authenticator struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewAuthenticator creates an authenticator using wall-clock time.
func NewAuthenticator() *Authenticator {
	return &Authenticator{
		logger: log.WithComponent("authenticator"),
		now:    time.Now,
	}
}

// Authenticate checks the presented credential against the service's auth
// configuration. All failures collapse to a single auth error kind; the
// concrete reason is logged, never returned to the remote peer.
func (a *Authenticator) Authenticate(svc *types.SnapshotService, credential []byte) error {
	switch types.AuthType(svc.AuthType) {
	case types.AuthNone:
		return nil

	case types.AuthSymmetricToken:
		if !security.ConstantTimeEquals(credential, []byte(svc.TokenValue)) {
			a.logger.Warn().
				Str("service", svc.Name).
				Str("reason", "token_mismatch").
				Msg("authentication rejected")
			return types.NewError(types.KindAuth, "authentication failed")
		}
		return nil

	case types.AuthSignedToken:
		claims, err := VerifyToken(string(credential), svc.TokenSecret, svc.NumericID, a.now())
		if err != nil {
			reason := ReasonMalformed
			if ve, ok := err.(*VerifyError); ok {
				reason = ve.Reason
			}
			a.logger.Warn().
				Str("service", svc.Name).
				Str("reason", reason).
				Msg("authentication rejected")
			return types.NewError(types.KindAuth, "authentication failed")
		}
		a.logger.Debug().
			Str("service", svc.Name).
			Int64("service_id", claims.ServiceID).
			Int64("exp", claims.Exp).
			Msg("signed token accepted")
		return nil

	default:
		a.logger.Warn().
			Str("service", svc.Name).
			Str("auth_type", svc.AuthType).
			Msg("unknown auth type")
		return types.NewError(types.KindAuth, "authentication failed")
	}
}
