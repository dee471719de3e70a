package security

import (
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	k1, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if len(k1) != 64 {
		t.Errorf("API key length = %d, want 64 hex chars", len(k1))
	}

	k2, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if k1 == k2 {
		t.Error("two generated API keys are identical")
	}
}

func TestConstantTimeEquals(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{"equal", "cluster-api-key", "cluster-api-key", true},
		{"different same length", "cluster-api-key", "cluster-api-kez", false},
		{"different lengths", "short", "longer-credential", false},
		{"both empty", "", "", true},
		{"one empty", "", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConstantTimeEquals([]byte(tt.a), []byte(tt.b)); got != tt.want {
				t.Errorf("ConstantTimeEquals(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
