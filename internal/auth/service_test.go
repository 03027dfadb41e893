package auth

import (
	"context"
	"errors"
	"testing"
)

func newJWTService(t *testing.T, seeds []Seed) *Service {
	t.Helper()
	store, err := NewMemoryStore(seeds)
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	svc, err := NewService(context.Background(), Config{
		Mode: ModeJWT,
		JWT: JWTOptions{
			Secret:     "test-secret",
			Issuer:     "aurora",
			AccessTTL:  3600,
			RefreshTTL: 86400,
		},
	}, store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func operatorSeed() Seed {
	return Seed{
		Username: "op",
		Password: "secret",
		Roles:    []string{RoleOperator},
	}
}

func TestAuthenticatePasswordGrant(t *testing.T) {
	svc := newJWTService(t, []Seed{operatorSeed()})

	pair, err := svc.Authenticate(context.Background(), TokenRequest{Username: "op", Password: "secret"})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if pair.TokenType != "Bearer" {
		t.Fatalf("expected Bearer token type, got %s", pair.TokenType)
	}

	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+pair.AccessToken)
	if err != nil {
		t.Fatalf("AuthenticateRequest failed: %v", err)
	}
	if subject.Username != "op" {
		t.Fatalf("unexpected subject: %+v", subject)
	}
	if !subject.HasPermission(PermissionIntentSubmit) {
		t.Fatal("operator role should grant intent:submit")
	}
	if subject.HasPermission(PermissionPolicyWrite) {
		t.Fatal("operator role must not grant policy:write")
	}
}

func TestAuthenticateRejectsBadPassword(t *testing.T) {
	svc := newJWTService(t, []Seed{operatorSeed()})
	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "op", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRefreshGrantReissuesTokens(t *testing.T) {
	svc := newJWTService(t, []Seed{operatorSeed()})
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "op", Password: "secret"})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	renewed, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.RefreshToken})
	if err != nil {
		t.Fatalf("refresh grant failed: %v", err)
	}
	if renewed.AccessToken == "" {
		t.Fatal("expected new access token")
	}
	if _, err := svc.AuthenticateRequest(ctx, "Bearer "+renewed.AccessToken); err != nil {
		t.Fatalf("renewed token rejected: %v", err)
	}
}

func TestRefreshGrantRejectsAccessToken(t *testing.T) {
	svc := newJWTService(t, []Seed{operatorSeed()})
	ctx := context.Background()

	pair, err := svc.Authenticate(ctx, TokenRequest{Username: "op", Password: "secret"})
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if _, err := svc.Authenticate(ctx, TokenRequest{GrantType: "refresh_token", RefreshToken: pair.AccessToken}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for access token in refresh grant, got %v", err)
	}
}

func TestAdminPermissionImpliesAll(t *testing.T) {
	subject := &Subject{Username: "root", Permissions: []string{PermissionAdmin}}
	for _, perm := range []string{PermissionIntentSubmit, PermissionRunCancel, PermissionPolicyWrite} {
		if err := subject.Authorize(perm); err != nil {
			t.Fatalf("admin should satisfy %s: %v", perm, err)
		}
	}
}

func TestDisabledSubjectRejected(t *testing.T) {
	seed := operatorSeed()
	seed.Disabled = true
	svc := newJWTService(t, []Seed{seed})
	if _, err := svc.Authenticate(context.Background(), TokenRequest{Username: "op", Password: "secret"}); !errors.Is(err, ErrSubjectRevoked) {
		t.Fatalf("expected ErrSubjectRevoked, got %v", err)
	}
}

func TestExpandRoles(t *testing.T) {
	perms := ExpandRoles([]string{RoleViewer, RoleOperator, "unknown"})
	if len(perms) == 0 {
		t.Fatal("expected permissions from known roles")
	}
	found := false
	for _, perm := range perms {
		if perm == PermissionConfirm {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in expanded permissions: %v", PermissionConfirm, perms)
	}
}
