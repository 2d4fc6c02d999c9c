package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMintAndValidate(t *testing.T) {
	v, err := NewSessionValidator("test-secret")
	if err != nil {
		t.Fatalf("NewSessionValidator: %v", err)
	}

	token, err := MintToken("test-secret", "sess-42", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	got, err := v.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if got != "sess-42" {
		t.Errorf("session = %q, want sess-42", got)
	}
}

func TestValidateTokenErrors(t *testing.T) {
	v, _ := NewSessionValidator("test-secret")

	tests := []struct {
		name  string
		token func() string
	}{
		{
			name:  "garbage token",
			token: func() string { return "not.a.token" },
		},
		{
			name: "wrong secret",
			token: func() string {
				tok, _ := MintToken("other-secret", "sess-1", time.Hour)
				return tok
			},
		},
		{
			name: "expired token",
			token: func() string {
				tok, _ := MintToken("test-secret", "sess-1", -time.Minute)
				return tok
			},
		},
		{
			name: "missing subject",
			token: func() string {
				tok, _ := MintToken("test-secret", "", time.Hour)
				return tok
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.ValidateToken(tt.token()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewSessionValidatorRequiresSecret(t *testing.T) {
	if _, err := NewSessionValidator(""); err == nil {
		t.Error("empty secret must be rejected")
	}
}

func TestMiddleware(t *testing.T) {
	v, _ := NewSessionValidator("test-secret")
	var gotSession string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid token passes through", func(t *testing.T) {
		token, _ := MintToken("test-secret", "sess-7", time.Hour)
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
		if gotSession != "sess-7" {
			t.Errorf("session = %q", gotSession)
		}
	})

	t.Run("missing header rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("invalid token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}
