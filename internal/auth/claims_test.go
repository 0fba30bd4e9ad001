package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-key-for-jwt-signing-0123"

func TestGenerateAndParseAccessToken(t *testing.T) {
	token, err := GenerateAccessToken(TokenRequest{Subject: "ops-1", Role: RoleOperator, Issuer: "lockgate"}, testSecret)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	if token == "" {
		t.Fatal("GenerateAccessToken() returned empty token")
	}

	claims, err := ParseToken(token, testSecret, "lockgate")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	if claims.Subject != "ops-1" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "ops-1")
	}

	if claims.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", claims.Role, RoleOperator)
	}

	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}
}

func TestGenerateAccessToken_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		req     TokenRequest
		wantErr error
	}{
		{name: "missing subject", req: TokenRequest{Role: RoleAdmin}, wantErr: ErrTokenInvalid},
		{name: "unknown role", req: TokenRequest{Subject: "ops-1", Role: "owner"}, wantErr: ErrInvalidRole},
		{name: "empty role", req: TokenRequest{Subject: "ops-1"}, wantErr: ErrInvalidRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GenerateAccessToken(tt.req, testSecret)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("GenerateAccessToken() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateAccessToken_DefaultTTL(t *testing.T) {
	token, err := GenerateAccessToken(TokenRequest{Subject: "ops-1", Role: RoleViewer}, testSecret)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseToken(token, testSecret, "")
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}

	expectedExpiry := time.Now().Add(DefaultTokenTTL)
	diff := claims.ExpiresAt.Time.Sub(expectedExpiry)
	if diff < -time.Minute || diff > time.Minute {
		t.Errorf("default TTL should be ~15 minutes, got expiry diff of %v", diff)
	}
}

// sign builds a token with arbitrary claims, bypassing GenerateAccessToken checks.
func sign(t *testing.T, method jwt.SigningMethod, key any, claims CustomClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}
	return s
}

func TestParseToken_Rejects(t *testing.T) {
	now := time.Now()
	valid := jwt.RegisteredClaims{
		Subject:   "ops-1",
		Issuer:    "lockgate",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
	noExpiry := valid
	noExpiry.ExpiresAt = nil
	noSubject := valid
	noSubject.Subject = ""
	otherIssuer := valid
	otherIssuer.Issuer = "someone-else"

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not-a-valid-jwt"},
		{name: "wrong segments", token: "abc.def"},
		{name: "wrong secret", token: sign(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-000"), CustomClaims{valid, RoleAdmin})},
		{name: "wrong method", token: sign(t, jwt.SigningMethodHS512, []byte(testSecret), CustomClaims{valid, RoleAdmin})},
		{name: "expired", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), CustomClaims{expired, RoleAdmin})},
		{name: "no expiry", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), CustomClaims{noExpiry, RoleAdmin})},
		{name: "no subject", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), CustomClaims{noSubject, RoleAdmin})},
		{name: "wrong issuer", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), CustomClaims{otherIssuer, RoleAdmin})},
		{name: "no role", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), CustomClaims{RegisteredClaims: valid})},
		{name: "unknown role", token: sign(t, jwt.SigningMethodHS256, []byte(testSecret), CustomClaims{valid, "owner"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToken(tt.token, testSecret, "lockgate")
			if !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("ParseToken() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}
