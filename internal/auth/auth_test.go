package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func TestTokenRoundTrip(t *testing.T) {
	id := uuid.New()
	now := time.Now()
	token, expires, err := generateToken(id, now)
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if got := expires.Sub(now); got != tokenTTL {
		t.Errorf("ttl = %s", got)
	}

	parsed, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if parsed != id {
		t.Errorf("subject = %s, want %s", parsed, id)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, _, err := generateToken(uuid.New(), time.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(token); err == nil {
		t.Fatal("expired token accepted")
	}
	if _, err := ParseToken("not.a.token"); err == nil {
		t.Fatal("garbage token accepted")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer abc", "", false},
		{"Bearer", "", false},
		{"Basic dXNlcg==", "", false},
	}
	for _, tt := range tests {
		token, ok := BearerToken(tt.header)
		if token != tt.token || ok != tt.ok {
			t.Errorf("BearerToken(%q) = %q, %v", tt.header, token, ok)
		}
	}
}

func TestMiddleware(t *testing.T) {
	e := echo.New()
	id := uuid.New()
	token, _, err := generateToken(id, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	handler := Middleware(func(c echo.Context) error {
		got, err := GetUserIDFromContext(c)
		if err != nil {
			return err
		}
		return c.String(http.StatusOK, got.String())
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + token, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token " + token, http.StatusUnauthorized},
		{"tampered", "Bearer " + token + "x", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			err := handler(e.NewContext(req, rec))

			code := rec.Code
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			}
			if code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
			if tt.want == http.StatusOK && rec.Body.String() != id.String() {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}
