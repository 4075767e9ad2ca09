package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/appfs/pkg/protocol"
)

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := New("test-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestIssueAndValidate(t *testing.T) {
	a := newTestAuth(t)
	token, err := a.Issue("checker", time.Hour, "fs1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := a.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "checker" {
		t.Errorf("expected subject checker, got %q", claims.Subject)
	}
	if !claims.Allows("fs1") || claims.Allows("fs2") {
		t.Errorf("unexpected file system grants %v", claims.FileSystems)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	a := newTestAuth(t)
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := a.Issue("old", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	a.now = time.Now
	if _, err := a.Validate(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateRejectsOtherSecret(t *testing.T) {
	other, _ := New("other-secret")
	token, _ := other.Issue("x", time.Hour)
	if _, err := newTestAuth(t).Validate(token); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	if _, err := newTestAuth(t).Validate(signed); err == nil {
		t.Fatal("expected unsigned token to be rejected")
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestMiddleware(t *testing.T) {
	a := newTestAuth(t)
	token, _ := a.Issue("user", time.Hour, "allowed")

	mux := http.NewServeMux()
	mux.Handle("GET /fs/{fs}", a.Middleware(RequireFileSystem(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetClaims(r.Context()).Subject))
	}))))

	tests := []struct {
		name   string
		path   string
		header string
		status int
		kind   string
	}{
		{"missing token", "/fs/allowed", "", http.StatusUnauthorized, protocol.KindUnauthorized},
		{"bad token", "/fs/allowed", "Bearer nope", http.StatusUnauthorized, protocol.KindUnauthorized},
		{"other file system", "/fs/denied", "Bearer " + token, http.StatusForbidden, protocol.KindForbidden},
		{"header", "/fs/allowed", "Bearer " + token, http.StatusOK, ""},
		{"query", "/fs/allowed?token=" + token, "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.kind == "" {
				if rec.Body.String() != "user" {
					t.Errorf("expected subject in body, got %q", rec.Body.String())
				}
				return
			}
			var body protocol.ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.JavaException != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, body.JavaException)
			}
		})
	}
}
