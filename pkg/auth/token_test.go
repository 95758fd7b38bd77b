package auth

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	sg := NewSecretGenerator()

	secret, hash, prefix, err := sg.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !strings.HasPrefix(secret, SecretPrefix) {
		t.Errorf("secret %q missing prefix %q", secret, SecretPrefix)
	}
	if err := sg.ValidateFormat(secret); err != nil {
		t.Errorf("generated secret failed format validation: %v", err)
	}
	if len(hash) != 64 {
		t.Errorf("expected 64 hex chars for SHA-256 digest, got %d", len(hash))
	}
	if hash != sg.Hash(secret) {
		t.Error("stored hash does not match recomputed hash")
	}
	if !strings.HasPrefix(secret, prefix) {
		t.Errorf("display prefix %q is not a prefix of the secret", prefix)
	}
	if strings.Contains(hash, secret) {
		t.Error("hash must not contain the plaintext secret")
	}
}

func TestGenerateUnique(t *testing.T) {
	sg := NewSecretGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		secret, _, _, err := sg.Generate()
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if seen[secret] {
			t.Fatalf("duplicate secret generated: %q", secret)
		}
		seen[secret] = true
	}
}

func TestCompare(t *testing.T) {
	sg := NewSecretGenerator()

	secret, hash, _, err := sg.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !sg.Compare(secret, hash) {
		t.Error("Compare rejected the correct secret")
	}
	if sg.Compare(secret+"x", hash) {
		t.Error("Compare accepted a tampered secret")
	}
	if sg.Compare("kg_other", hash) {
		t.Error("Compare accepted an unrelated secret")
	}
}

func TestValidateFormat(t *testing.T) {
	sg := NewSecretGenerator()

	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{"valid", "kg_dGVzdHRlc3R0ZXN0dGVzdA", false},
		{"missing prefix", "dGVzdHRlc3R0ZXN0dGVzdA", true},
		{"wrong prefix", "sk_dGVzdHRlc3R0ZXN0dGVzdA", true},
		{"prefix only", "kg_", true},
		{"invalid base64url", "kg_!!!not-base64!!!", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sg.ValidateFormat(tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFormat(%q) error = %v, wantErr %v", tt.secret, err, tt.wantErr)
			}
		})
	}
}

func TestExtractPrefix(t *testing.T) {
	sg := NewSecretGenerator()

	secret, _, prefix, err := sg.Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if got := sg.ExtractPrefix(secret); got != prefix {
		t.Errorf("ExtractPrefix = %q, want %q", got, prefix)
	}
	if got := sg.ExtractPrefix("no-prefix"); got != "" {
		t.Errorf("ExtractPrefix on foreign secret = %q, want empty", got)
	}
}
