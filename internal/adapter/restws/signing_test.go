package restws

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"perpmm/internal/taskerr"
)

type fakeSigner struct {
	sig   []byte
	calls [][]byte
}

func (f *fakeSigner) Sign(msg []byte) ([]byte, error) {
	f.calls = append(f.calls, msg)
	return f.sig, nil
}

func (f *fakeSigner) PublicKey() []byte { return nil }

func TestSignedHeadersCanonicalStringAndAuth(t *testing.T) {
	t.Parallel()
	fs := &fakeSigner{sig: []byte("sig-bytes")}
	c := &Client{bodySigner: fs}
	c.setJWT("jwt-token", time.Now().Add(time.Hour))

	headers, err := c.signedHeaders(`{"a":1}`)
	if err != nil {
		t.Fatalf("signedHeaders: %v", err)
	}
	if headers["Authorization"] != "Bearer jwt-token" {
		t.Errorf("Authorization = %q", headers["Authorization"])
	}
	if headers["X-MM-Version"] != "1" {
		t.Errorf("X-MM-Version = %q, want 1", headers["X-MM-Version"])
	}
	if len(fs.calls) != 1 {
		t.Fatalf("Sign called %d times, want 1", len(fs.calls))
	}

	parts := strings.Split(string(fs.calls[0]), ",")
	if len(parts) != 4 {
		t.Fatalf("canonical string has %d comma-separated parts, want 4: %q", len(parts), fs.calls[0])
	}
	if parts[0] != "1" {
		t.Errorf("version part = %q, want 1", parts[0])
	}
	if parts[1] != headers["X-MM-Request-Id"] {
		t.Errorf("request_id part = %q, want %q", parts[1], headers["X-MM-Request-Id"])
	}
	if parts[2] != headers["X-MM-Timestamp"] {
		t.Errorf("timestamp part = %q, want %q", parts[2], headers["X-MM-Timestamp"])
	}
	if parts[3] != `{"a":1}` {
		t.Errorf("payload part = %q, want the raw body", parts[3])
	}
}

func TestSignedHeadersFailsWithoutAuthenticate(t *testing.T) {
	t.Parallel()
	c := &Client{bodySigner: &fakeSigner{sig: []byte("x")}}
	if _, err := c.signedHeaders("payload"); err == nil {
		t.Fatal("signedHeaders should fail before Authenticate has set a JWT")
	}
}

func TestJWTExpiryFallsBackToExpClaim(t *testing.T) {
	t.Parallel()
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	claims := jwt.MapClaims{"exp": exp.Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("unused-in-unverified-parse"))
	if err != nil {
		t.Fatalf("sign test jwt: %v", err)
	}

	got, ok := jwtExpiry(signed)
	if !ok {
		t.Fatal("jwtExpiry returned ok=false")
	}
	if !got.Equal(exp) {
		t.Errorf("expiry = %v, want %v", got, exp)
	}
}

func TestMapProtocolCode(t *testing.T) {
	t.Parallel()
	cases := map[string]taskerr.ProtocolCode{
		"rejected_order":      taskerr.ProtocolRejectedOrder,
		"insufficient_margin": taskerr.ProtocolInsufficientMargin,
		"not_found":           taskerr.ProtocolNotFound,
		"something_else":      taskerr.ProtocolUnknown,
	}
	for code, want := range cases {
		if got := mapProtocolCode(code); got != want {
			t.Errorf("mapProtocolCode(%q) = %v, want %v", code, got, want)
		}
	}
}
