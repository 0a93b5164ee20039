package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// escalationScope is the scope claim a confirmation token must carry to
// approve an escalated plan.
const escalationScope = "escalated-approval"

// EscalationClaims are the claims inside an escalation confirmation token.
type EscalationClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// IssueEscalationToken signs a short-lived confirmation token for an
// operator. Escalated plans can only be approved with such a token.
func IssueEscalationToken(secret, operator string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("escalation secret is not configured")
	}
	if operator == "" {
		return "", errors.New("operator is required")
	}
	now := time.Now().UTC()
	claims := EscalationClaims{
		Scope: escalationScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateEscalationToken verifies the signature, expiry and scope of a
// confirmation token and returns its claims.
func ValidateEscalationToken(secret, tokenString string) (*EscalationClaims, error) {
	if secret == "" {
		return nil, errors.New("escalation secret is not configured")
	}
	if tokenString == "" {
		return nil, errors.New("token is required")
	}

	token, err := jwt.ParseWithClaims(tokenString, &EscalationClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*EscalationClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Scope != escalationScope {
		return nil, fmt.Errorf("token scope %q cannot confirm escalated approvals", claims.Scope)
	}
	return claims, nil
}
