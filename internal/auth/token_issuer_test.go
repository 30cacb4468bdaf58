package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "copperline-api",
		Audience:      "copperline-sync",
		TokenTTL:      15 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	return issuer
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	token, expiresIn, err := issuer.IssueToken(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn != int64((15 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry %d", expiresIn)
	}

	ownerID, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if ownerID != "owner-1" {
		t.Fatalf("expected owner-1, got %q", ownerID)
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatalf("expected missing secret to fail construction")
	}
}

func TestIssueTokenRequiresOwner(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	if _, _, err := issuer.IssueToken(context.Background(), ""); err == nil {
		t.Fatalf("expected empty owner to fail")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issueTime := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(t, func() time.Time { return issueTime })

	token, _, err := issuer.IssueToken(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	lateIssuer := newTestIssuer(t, func() time.Time { return issueTime.Add(16 * time.Minute) })
	if _, err := lateIssuer.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	forged, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "copperline-api",
		Audience:      "copperline-sync",
	})
	if err != nil {
		t.Fatalf("failed to construct forging issuer: %v", err)
	}

	token, _, err := forged.IssueToken(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected token with wrong signature to be rejected")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	issuer := newTestIssuer(t, nil)

	other, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "copperline-api",
		Audience:      "some-other-service",
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	token, _, err := other.IssueToken(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected wrong audience to be rejected")
	}
}
