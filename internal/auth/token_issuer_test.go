package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "finca-auth",
		Audience:      "finca-api",
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), "ana")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "ana" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "finca-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "finca-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatalf("expected constructor error for missing secret")
	}
}

func TestTokenIssuerAppliesDefaults(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if issuer.issuer != DefaultIssuer || issuer.audience != DefaultAudience {
		t.Fatalf("unexpected defaults %q %q", issuer.issuer, issuer.audience)
	}
	if issuer.ttl != defaultTokenTTL {
		t.Fatalf("unexpected default ttl %s", issuer.ttl)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.IssueToken(context.Background(), "user-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "user-321" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
	if _, _, err := issuer.IssueToken(context.Background(), "  "); err == nil {
		t.Fatalf("expected issuance to fail without a subject")
	}
}

func TestTokenIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	tokenString, _, err := issuer.IssueToken(context.Background(), "ana")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	now = issuedAt.Add(2 * time.Hour)
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected expired token to fail validation")
	}

	now = issuedAt
	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Audience:      "someone-else",
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := other.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected audience mismatch to fail validation")
	}
}

func TestBearerToken(t *testing.T) {
	token, err := BearerToken("Bearer abc.def")
	if err != nil || token != "abc.def" {
		t.Fatalf("unexpected bearer parse %q %v", token, err)
	}
	if _, err := BearerToken("bearer  "); !errors.Is(err, ErrMissingBearer) {
		t.Fatalf("expected missing bearer error, got %v", err)
	}
	if _, err := BearerToken("Basic abc"); !errors.Is(err, ErrMissingBearer) {
		t.Fatalf("expected missing bearer error, got %v", err)
	}
}
