package auth

import (
	"testing"
	"time"

	"github.com/penguintechinc/marchproxy/pkg/log"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func testAuthenticator(now time.Time) *Authenticator {
	a := NewAuthenticator()
	a.now = func() time.Time { return now }
	return a
}

func TestAuthenticateNone(t *testing.T) {
	a := testAuthenticator(time.Now())
	svc := &types.SnapshotService{Name: "open", AuthType: string(types.AuthNone)}

	if err := a.Authenticate(svc, nil); err != nil {
		t.Errorf("Authenticate() error = %v, want accept", err)
	}
	if err := a.Authenticate(svc, []byte("anything")); err != nil {
		t.Errorf("Authenticate() error = %v, want accept", err)
	}
}

func TestAuthenticateSymmetric(t *testing.T) {
	a := testAuthenticator(time.Now())
	svc := &types.SnapshotService{
		Name:       "db",
		AuthType:   string(types.AuthSymmetricToken),
		TokenValue: "shared-secret-token",
	}

	tests := []struct {
		name       string
		credential string
		wantErr    bool
	}{
		{"correct token", "shared-secret-token", false},
		{"wrong token", "shared-secret-tokeN", true},
		{"short token", "shared", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authenticate(svc, []byte(tt.credential))
			if (err != nil) != tt.wantErr {
				t.Errorf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !types.IsKind(err, types.KindAuth) {
				t.Errorf("error kind = %s, want auth", types.KindOf(err))
			}
		})
	}
}

func TestAuthenticateSignedToken(t *testing.T) {
	now := time.Unix(1700001000, 0)
	a := testAuthenticator(now)

	svc := &types.SnapshotService{
		Name:        "db",
		NumericID:   42,
		AuthType:    string(types.AuthSignedToken),
		TokenSecret: "topsecret",
		TokenAlg:    "HS256",
	}

	token, err := SignToken(42, "db", "topsecret", time.Hour, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("SignToken() error = %v", err)
	}

	if err := a.Authenticate(svc, []byte(token)); err != nil {
		t.Errorf("Authenticate() error = %v, want accept", err)
	}

	// Same token after expiry.
	late := testAuthenticator(time.Unix(1700003601, 0))
	err = late.Authenticate(svc, []byte(token))
	if !types.IsKind(err, types.KindAuth) {
		t.Errorf("expired token: error = %v, want auth kind", err)
	}

	// Token for another service.
	other, _ := SignToken(7, "cache", "topsecret", time.Hour, time.Unix(1700000000, 0))
	err = a.Authenticate(svc, []byte(other))
	if !types.IsKind(err, types.KindAuth) {
		t.Errorf("wrong service token: error = %v, want auth kind", err)
	}
}
