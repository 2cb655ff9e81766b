package httpapi

import (
	"strings"
	"testing"
	"time"

	"kasbook/backend/internal/domain"
	"kasbook/backend/internal/store/memory"
)

func newTestAuth(t *testing.T) *AuthManager {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier123")
	return NewAuthManager("test-secret-0123456789-0123456789", time.Hour, "835261", memory.NewSeeded())
}

func TestLoginAndParseToken(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.Role != "admin" || resp.AccessToken == "" {
		t.Fatalf("resp = %+v", resp)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("actor = %+v", actor)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	auth := newTestAuth(t)

	if _, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "nope"}); err == nil {
		t.Fatal("wrong password must fail")
	}
	if _, err := auth.Login(domain.LoginRequest{Username: "ghost", Password: "admin123"}); err == nil {
		t.Fatal("unknown user must fail")
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	auth := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "cashier", Password: "cashier123"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	tampered := resp.AccessToken[:len(resp.AccessToken)-4] + "AAAA"
	if _, err := auth.ParseToken(tampered); err == nil {
		t.Fatal("tampered token must be rejected")
	}

	other := NewAuthManager("another-secret-entirely-0123456789", time.Hour, "835261", nil)
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatal("token signed with a different secret must be rejected")
	}
}

func TestValidateManagerPIN(t *testing.T) {
	auth := newTestAuth(t)

	if !auth.ValidateManagerPIN("835261") {
		t.Error("correct PIN rejected")
	}
	if auth.ValidateManagerPIN("000000") {
		t.Error("wrong PIN accepted")
	}
	if auth.ValidateManagerPIN("") {
		t.Error("empty PIN accepted")
	}
}

func TestCreateCashierValidation(t *testing.T) {
	auth := newTestAuth(t)

	cases := []struct {
		name string
		req  domain.CashierCreateRequest
	}{
		{"short username", domain.CashierCreateRequest{Username: "ab", Password: "secret1"}},
		{"username with space", domain.CashierCreateRequest{Username: "new user", Password: "secret1"}},
		{"short password", domain.CashierCreateRequest{Username: "newuser", Password: "abc"}},
		{"duplicate", domain.CashierCreateRequest{Username: "cashier", Password: "secret1"}},
	}
	for _, tc := range cases {
		if _, err := auth.CreateCashier(tc.req); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}

	created, err := auth.CreateCashier(domain.CashierCreateRequest{Username: "Kasir2", Password: "secret1"})
	if err != nil {
		t.Fatalf("CreateCashier: %v", err)
	}
	if created.Username != "kasir2" || created.Role != "cashier" || !created.Active {
		t.Fatalf("created = %+v", created)
	}

	// The new account can log in straight away.
	if _, err := auth.Login(domain.LoginRequest{Username: "kasir2", Password: "secret1"}); err != nil {
		t.Fatalf("login as new cashier: %v", err)
	}

	var listed bool
	for _, cashier := range auth.ListCashiers() {
		if cashier.Username == "kasir2" {
			listed = true
		}
		if cashier.Role != "cashier" {
			t.Errorf("ListCashiers leaked %s role", cashier.Role)
		}
	}
	if !listed {
		t.Error("new cashier missing from ListCashiers")
	}
}

func TestPasswordHashHelpers(t *testing.T) {
	hash, err := hashPassword("hunter22")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if !isPasswordHash(hash) {
		t.Fatalf("hash %q not recognized", hash)
	}
	if !verifyPassword(hash, "hunter22") {
		t.Error("verify with correct password failed")
	}
	if verifyPassword(hash, "hunter23") {
		t.Error("verify with wrong password passed")
	}
	if verifyPassword("plaintext", "plaintext") {
		t.Error("plain-text stored value must never verify")
	}
	if isPasswordHash(strings.Repeat("x", 60)) {
		t.Error("non-bcrypt string recognized as hash")
	}
}
