package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "app_session"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

var testClockNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock: func() time.Time {
			return testClockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, claims SessionClaims, method jwt.SigningMethod, key any) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(issuer string, expiresAt time.Time) SessionClaims {
	return SessionClaims{
		UserID:    testSessionUserID,
		UserEmail: testSessionUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(testClockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	validator := newTestValidator(t)
	signed := signTestToken(t, validClaims(defaultSessionIssuer, testClockNow.Add(time.Hour)), jwt.SigningMethodHS256, []byte(testSessionSigningSecret))

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	validator := newTestValidator(t)
	signed := signTestToken(t, validClaims(defaultSessionIssuer, testClockNow.Add(-time.Hour)), jwt.SigningMethodHS256, []byte(testSessionSigningSecret))

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuerAndKey(t *testing.T) {
	validator := newTestValidator(t)

	foreignIssuer := signTestToken(t, validClaims("someone-else", testClockNow.Add(time.Hour)), jwt.SigningMethodHS256, []byte(testSessionSigningSecret))
	if _, err := validator.ValidateToken(foreignIssuer); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for foreign issuer, got %v", err)
	}

	wrongKey := signTestToken(t, validClaims(defaultSessionIssuer, testClockNow.Add(time.Hour)), jwt.SigningMethodHS256, []byte("other-secret"))
	if _, err := validator.ValidateToken(wrongKey); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for wrong key, got %v", err)
	}

	wrongAlgorithm := signTestToken(t, validClaims(defaultSessionIssuer, testClockNow.Add(time.Hour)), jwt.SigningMethodHS512, []byte(testSessionSigningSecret))
	if _, err := validator.ValidateToken(wrongAlgorithm); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for HS512, got %v", err)
	}
}

func TestSessionValidatorRequiresSubject(t *testing.T) {
	validator := newTestValidator(t)
	claims := validClaims(defaultSessionIssuer, testClockNow.Add(time.Hour))
	claims.UserID = ""
	signed := signTestToken(t, claims, jwt.SigningMethodHS256, []byte(testSessionSigningSecret))

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator := newTestValidator(t)
	signed := signTestToken(t, validClaims(defaultSessionIssuer, testClockNow.Add(time.Hour)), jwt.SigningMethodHS256, []byte(testSessionSigningSecret))

	request := httptest.NewRequest(http.MethodGet, "/conversations", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != testSessionUserID {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
}

func TestSessionValidatorValidateRequestUsesBearerHeader(t *testing.T) {
	validator := newTestValidator(t)
	signed := signTestToken(t, validClaims(defaultSessionIssuer, testClockNow.Add(time.Hour)), jwt.SigningMethodHS256, []byte(testSessionSigningSecret))

	request := httptest.NewRequest(http.MethodGet, "/conversations", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+signed)
	if _, err := validator.ValidateRequest(request); err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}

	malformed := httptest.NewRequest(http.MethodGet, "/conversations", http.NoBody)
	malformed.Header.Set("Authorization", "Basic abc")
	if _, err := validator.ValidateRequest(malformed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for non-bearer header, got %v", err)
	}

	missing := httptest.NewRequest(http.MethodGet, "/conversations", http.NoBody)
	if _, err := validator.ValidateRequest(missing); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewSessionValidatorRequiresConfiguration(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{CookieName: testSessionCookieName}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("s")}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected missing cookie name error, got %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("s"), CookieName: "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if validator.Issuer() != defaultSessionIssuer {
		t.Fatalf("expected default issuer, got %s", validator.Issuer())
	}
}
