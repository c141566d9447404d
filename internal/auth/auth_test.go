package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("RESCUE_AUTH_SECRET", value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidate(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("dispatcher-42", []string{"Dispatcher", "viewer", "dispatcher"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "dispatcher-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if !slices.Contains(claims.Roles, "dispatcher") || !slices.Contains(claims.Roles, "viewer") {
		t.Fatalf("roles not preserved: %v", claims.Roles)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles not deduplicated: %v", claims.Roles)
	}

	p := claims.Principal()
	if p.Subject != "dispatcher-42" {
		t.Fatalf("unexpected principal: %#v", p)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	withSecret(t, "test-secret")

	for _, token := range []string{"", "   ", "not.a.jwt"} {
		if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	withSecret(t, "first-secret")
	token, err := GenerateToken("user-1", nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	withSecret(t, "second-secret")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after secret change, got %v", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	withSecret(t, "test-secret")
	token, err := GenerateToken("user-1", nil, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestSupportsTokens(t *testing.T) {
	withSecret(t, "")
	if SupportsTokens() {
		t.Fatal("SupportsTokens should be false without a secret")
	}
	withSecret(t, "configured")
	if !SupportsTokens() {
		t.Fatal("SupportsTokens should be true with a secret")
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("empty context should carry no principal")
	}

	ctx = ContextWithPrincipal(ctx, Principal{Subject: "donor-9", Roles: []string{"donor"}})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Subject != "donor-9" {
		t.Fatalf("principal round trip failed: %#v ok=%v", p, ok)
	}

	ctx = ContextWithToken(ctx, "raw-token")
	tok, ok := TokenFromContext(ctx)
	if !ok || tok != "raw-token" {
		t.Fatalf("token round trip failed: %q ok=%v", tok, ok)
	}
}
