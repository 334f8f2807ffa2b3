package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "this-is-a-test-secret-that-is-at-least-32-chars"

func TestVerifyToken_ValidToken(t *testing.T) {
	token, err := IssueToken("user-1", "Alice", "alice@example.com", Admin(), testSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	claims, err := VerifyToken(token, testSecret)
	if err != nil {
		t.Fatalf("VerifyToken failed: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", claims.UserID, "user-1")
	}
	if claims.Name != "Alice" {
		t.Errorf("Name = %q, want %q", claims.Name, "Alice")
	}
	if !claims.Permissions.IsAdmin {
		t.Error("Expected IsAdmin to be true")
	}
}

func TestVerifyToken_Errors(t *testing.T) {
	valid, _ := IssueToken("user-1", "", "", FullAccess(), testSecret, time.Hour)
	expired, _ := IssueToken("user-1", "", "", FullAccess(), testSecret, -time.Hour)
	noUser, _ := IssueToken("", "", "", FullAccess(), testSecret, time.Hour)

	tests := []struct {
		name   string
		token  string
		secret string
		want   error
	}{
		{"wrong secret", valid, "a-different-secret-that-is-also-at-least-32-chars", ErrInvalidToken},
		{"expired", expired, testSecret, ErrExpiredToken},
		{"short secret", valid, "short", ErrShortSecret},
		{"malformed", "not-a-jwt", testSecret, ErrInvalidToken},
		{"missing user id", noUser, testSecret, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := VerifyToken(tt.token, tt.secret); !errors.Is(err, tt.want) {
				t.Errorf("VerifyToken() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIssueToken_ShortSecret(t *testing.T) {
	if _, err := IssueToken("user-1", "", "", Admin(), "short", time.Hour); err != ErrShortSecret {
		t.Errorf("expected ErrShortSecret, got %v", err)
	}
}

func TestPermissions(t *testing.T) {
	tests := []struct {
		name      string
		perms     Permissions
		doc       string
		wantRead  bool
		wantWrite bool
	}{
		{"admin", Permissions{IsAdmin: true}, "any", true, true},
		{"full access", FullAccess(), "any", true, true},
		{"read only", Permissions{CanRead: []string{"doc-1"}}, "doc-1", true, false},
		{"write implies read", Permissions{CanWrite: []string{"doc-1"}}, "doc-1", true, true},
		{"other document", Permissions{CanRead: []string{"doc-1"}, CanWrite: []string{"doc-1"}}, "doc-2", false, false},
		{"read wildcard", Permissions{CanRead: []string{"*"}}, "doc-9", true, false},
		{"none", Permissions{}, "doc-1", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.perms.CanReadDocument(tt.doc); got != tt.wantRead {
				t.Errorf("CanReadDocument(%q) = %v, want %v", tt.doc, got, tt.wantRead)
			}
			if got := tt.perms.CanWriteDocument(tt.doc); got != tt.wantWrite {
				t.Errorf("CanWriteDocument(%q) = %v, want %v", tt.doc, got, tt.wantWrite)
			}
		})
	}
}

func TestAuthenticator_Identify(t *testing.T) {
	readOnly, _ := IssueToken("user-2", "", "", Permissions{CanRead: []string{"doc-1"}}, testSecret, time.Hour)

	a := NewAuthenticator(testSecret, true)

	id, err := a.Identify(readOnly, "Bob", "", "conn-1")
	if err != nil {
		t.Fatalf("Identify() error = %v", err)
	}
	if id.UserID != "user-2" || id.DisplayName != "Bob" || id.Anonymous {
		t.Errorf("Identify() = %+v", id)
	}
	if id.Permissions.CanWriteDocument("doc-1") {
		t.Error("read-only token can write")
	}

	anon, err := a.Identify("", "", "", "conn-1")
	if err != nil {
		t.Fatalf("anonymous Identify() error = %v", err)
	}
	if anon.UserID != "anonymous-conn-1" || anon.DisplayName != "Anonymous" || !anon.Anonymous {
		t.Errorf("anonymous identity = %+v", anon)
	}

	withEmail, _ := a.Identify("", "Carol", "carol@example.com", "conn-2")
	if withEmail.UserID != "carol@example.com" || withEmail.DisplayName != "Carol" {
		t.Errorf("anonymous identity with email = %+v", withEmail)
	}

	strict := NewAuthenticator(testSecret, false)
	if _, err := strict.Identify("", "Bob", "", "conn-1"); err != ErrMissingToken {
		t.Errorf("Identify() without token error = %v, want ErrMissingToken", err)
	}

	if _, err := NewAuthenticator("", true).Identify(readOnly, "", "", "conn-1"); err != ErrInvalidToken {
		t.Errorf("Identify() without secret error = %v, want ErrInvalidToken", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	if got := TokenFromRequest(r); got != "from-query" {
		t.Errorf("TokenFromRequest() = %q, want from-query", got)
	}

	r.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(r); got != "from-header" {
		t.Errorf("TokenFromRequest() = %q, want from-header", got)
	}
}
