package approval

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestEscalationToken_RoundTrip(t *testing.T) {
	token, err := IssueEscalationToken("test-secret", "op-jane", time.Minute)
	if err != nil {
		t.Fatalf("IssueEscalationToken failed: %v", err)
	}

	claims, err := ValidateEscalationToken("test-secret", token)
	if err != nil {
		t.Fatalf("ValidateEscalationToken failed: %v", err)
	}
	if claims.Subject != "op-jane" {
		t.Errorf("expected subject op-jane, got %s", claims.Subject)
	}
	if claims.Scope != escalationScope {
		t.Errorf("expected scope %q, got %q", escalationScope, claims.Scope)
	}
}

func TestEscalationToken_WrongSecretFails(t *testing.T) {
	token, err := IssueEscalationToken("test-secret", "op-jane", time.Minute)
	if err != nil {
		t.Fatalf("IssueEscalationToken failed: %v", err)
	}
	if _, err := ValidateEscalationToken("other-secret", token); err == nil {
		t.Error("expected validation to fail with the wrong secret")
	}
}

func TestEscalationToken_ExpiredFails(t *testing.T) {
	token, err := IssueEscalationToken("test-secret", "op-jane", -time.Minute)
	if err != nil {
		t.Fatalf("IssueEscalationToken failed: %v", err)
	}
	if _, err := ValidateEscalationToken("test-secret", token); err == nil {
		t.Error("expected validation to fail for an expired token")
	}
}

func TestEscalationToken_WrongScopeFails(t *testing.T) {
	now := time.Now().UTC()
	claims := EscalationClaims{
		Scope: "deploy",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-jane",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := ValidateEscalationToken("test-secret", token); err == nil {
		t.Error("expected validation to fail for a foreign scope")
	}
}

func TestEscalationToken_RequiresSecret(t *testing.T) {
	if _, err := IssueEscalationToken("", "op-jane", time.Minute); err == nil {
		t.Error("expected issuing without a secret to fail")
	}
	if _, err := ValidateEscalationToken("", "some-token"); err == nil {
		t.Error("expected validation without a secret to fail")
	}
}

func TestEscalationToken_RequiresToken(t *testing.T) {
	if _, err := ValidateEscalationToken("test-secret", ""); err == nil {
		t.Error("expected validation of an empty token to fail")
	}
}
