package restws

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"perpmm/internal/taskerr"
)

const signingVersion = "1"

// signedHeaders builds the protocol headers spec.md §6 requires on every
// body-signed operation: a version tag, request id, millisecond timestamp,
// and an Ed25519 signature over the canonical "version,request_id,
// timestamp,payload" string, plus the bearer JWT from the last
// authenticate call.
func (c *Client) signedHeaders(payload string) (map[string]string, error) {
	requestID := uuid.NewString()
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	canonical := strings.Join([]string{signingVersion, requestID, timestamp, payload}, ",")

	sig, err := c.bodySigner.Sign([]byte(canonical))
	if err != nil {
		return nil, taskerr.Auth("sign_request", err)
	}

	jwtToken, ok := c.currentJWT()
	if !ok {
		return nil, taskerr.Auth("sign_request", errNotAuthenticated)
	}

	return map[string]string{
		"X-MM-Version":    signingVersion,
		"X-MM-Request-Id": requestID,
		"X-MM-Timestamp":  timestamp,
		"X-MM-Signature":  base64.StdEncoding.EncodeToString(sig),
		"Authorization":   "Bearer " + jwtToken,
	}, nil
}

// jwtExpiry falls back to decoding a JWT's own exp claim when the auth
// response didn't carry an explicit expires_at.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
