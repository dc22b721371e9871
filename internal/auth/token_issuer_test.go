package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "verabot-admin",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesAdminTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	tokenString, expiresIn, err := issuer.IssueAdminToken("ops@example.com")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &AdminClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "ops@example.com" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "verabot-admin" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != adminAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected the token to validate: %v", err)
	}
	if subject != "ops@example.com" {
		t.Fatalf("unexpected validated subject %s", subject)
	}
}

func TestTokenIssuerRejectsMissingConfiguration(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: "verabot-admin"}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected ErrMissingSigningSecret, got %v", err)
	}
	if _, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("x")}); !errors.Is(err, ErrMissingIssuer) {
		t.Fatalf("expected ErrMissingIssuer, got %v", err)
	}
}

func TestIssueAdminTokenRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	if _, _, err := issuer.IssueAdminToken("  "); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}

func TestValidateTokenRejectsExpiredTokens(t *testing.T) {
	issuedAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, func() time.Time { return now })

	tokenString, _, err := issuer.IssueAdminToken("ops")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	now = issuedAt.Add(time.Hour)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateTokenRejectsForeignTokens(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	other, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("other-secret"), Issuer: "verabot-admin"})
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}
	foreign, _, err := other.IssueAdminToken("intruder")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := issuer.ValidateToken(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	unscoped := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "intruder",
		Issuer:    "verabot-admin",
		Audience:  []string{adminAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := unscoped.SignedString([]byte("super-secret"))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := issuer.ValidateToken(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected tokens without the admin scope to be rejected, got %v", err)
	}
}

func TestValidateRequestReadsBearerHeader(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	tokenString, _, err := issuer.IssueAdminToken("ops")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	request := httptest.NewRequest("GET", "/guilds", nil)
	if _, err := issuer.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}

	request.Header.Set("Authorization", "Bearer "+tokenString)
	subject, err := issuer.ValidateRequest(request)
	if err != nil || subject != "ops" {
		t.Fatalf("expected subject ops, got %q (%v)", subject, err)
	}
}
