package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-jwt-secret-that-is-32-chars-!"

func newTestManager(t *testing.T) *TokenManager {
	t.Helper()
	m, err := NewTokenManager(testSecret, "audit-ledger", time.Hour, false)
	if err != nil {
		t.Fatalf("NewTokenManager() error: %v", err)
	}
	return m
}

func TestNewTokenManager(t *testing.T) {
	t.Run("production mode requires secret", func(t *testing.T) {
		if _, err := NewTokenManager("", "audit-ledger", time.Hour, false); err != ErrMissingSecret {
			t.Errorf("NewTokenManager() error = %v, want ErrMissingSecret", err)
		}
	})

	t.Run("dev mode generates random secret", func(t *testing.T) {
		m, err := NewTokenManager("", "audit-ledger", time.Hour, true)
		if err != nil {
			t.Fatalf("NewTokenManager() unexpected error in dev mode: %v", err)
		}
		if len(m.secret) == 0 {
			t.Error("dev mode secret is empty")
		}
	})

	t.Run("zero ttl defaults to one hour", func(t *testing.T) {
		m, err := NewTokenManager(testSecret, "audit-ledger", 0, false)
		if err != nil {
			t.Fatalf("NewTokenManager() error: %v", err)
		}
		if m.ttl != time.Hour {
			t.Errorf("ttl = %v, want 1h", m.ttl)
		}
	})
}

func TestIssueAndVerify(t *testing.T) {
	m := newTestManager(t)
	id := Identity{OrgID: "org-1", UserID: "user-123", Role: RoleUser, Email: "test@example.com", APIKeyID: "key-9"}

	t.Run("round trip", func(t *testing.T) {
		token, expiresAt, err := m.Issue(id)
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		if remaining := time.Until(expiresAt); remaining < 50*time.Minute || remaining > 70*time.Minute {
			t.Errorf("expiry remaining = %v, want ~1h", remaining)
		}

		claims, err := m.Verify(token)
		if err != nil {
			t.Fatalf("Verify() error: %v", err)
		}
		if got := claims.Identity(); got != id {
			t.Errorf("Identity() = %+v, want %+v", got, id)
		}
		if claims.Issuer != "audit-ledger" {
			t.Errorf("claims.Issuer = %q, want audit-ledger", claims.Issuer)
		}
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		expired := *m
		expired.ttl = -time.Second
		token, _, err := expired.Issue(id)
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		if _, err := m.Verify(token); err == nil {
			t.Error("Verify() expected error for expired token, got nil")
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		if _, err := m.Verify("not.a.valid.token"); err == nil {
			t.Error("Verify() expected error for garbage token, got nil")
		}
	})

	t.Run("empty token", func(t *testing.T) {
		if _, err := m.Verify(""); err == nil {
			t.Error("Verify() expected error for empty token, got nil")
		}
	})

	t.Run("token signed with different secret is rejected", func(t *testing.T) {
		other, err := NewTokenManager("completely-different-secret-32ch!", "audit-ledger", time.Hour, false)
		if err != nil {
			t.Fatalf("NewTokenManager() error: %v", err)
		}
		token, _, err := other.Issue(id)
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		if _, err := m.Verify(token); err == nil {
			t.Error("Verify() expected error for foreign signature, got nil")
		}
	})

	t.Run("wrong issuer is rejected", func(t *testing.T) {
		other, err := NewTokenManager(testSecret, "someone-else", time.Hour, false)
		if err != nil {
			t.Fatalf("NewTokenManager() error: %v", err)
		}
		token, _, err := other.Issue(id)
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		if _, err := m.Verify(token); err == nil {
			t.Error("Verify() expected error for wrong issuer, got nil")
		}
	})

	t.Run("token without org is rejected", func(t *testing.T) {
		token, _, err := m.Issue(Identity{UserID: "u", Role: RoleAdmin})
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		if _, err := m.Verify(token); err == nil {
			t.Error("Verify() expected error for token without org_id, got nil")
		}
	})

	t.Run("none algorithm is rejected", func(t *testing.T) {
		claims := &Claims{OrgID: "org-1", Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{
			Subject: "u", Issuer: "audit-ledger", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("SignedString() error: %v", err)
		}
		if _, err := m.Verify(token); err == nil {
			t.Error("Verify() expected error for alg=none, got nil")
		}
	})
}

func TestIdentityIsAdmin(t *testing.T) {
	tests := []struct {
		role string
		want bool
	}{
		{"admin", true},
		{"ADMIN", true},
		{"user", false},
		{"auditor", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			if got := (Identity{Role: tt.role}).IsAdmin(); got != tt.want {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.want)
			}
		})
	}
}
