package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// verifyWebhookSignature checks an HMAC-SHA256 signature over the raw
// body against a per-source secret (spec.md §4.4 step 2). The signature
// is compared as a lowercase hex digest, matching both upstreams'
// webhook signing scheme.
func verifyWebhookSignature(secret string, signatureHeader string, body []byte) bool {
	if secret == "" {
		return true // no secret configured for this source: skip verification
	}
	signatureHeader = strings.TrimSpace(signatureHeader)
	signatureHeader = strings.TrimPrefix(signatureHeader, "sha256=")
	if signatureHeader == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signatureHeader)), []byte(expected))
}

// adminClaims is the shape expected in an admin JWT's payload.
type adminClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

var errMissingScope = errors.New("token missing admin scope")

// requireAdmin wraps a handler with HS256 bearer verification. Admin
// routes are disabled entirely (404) when secret is empty.
func requireAdmin(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			http.NotFound(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

		var claims adminClaims
		token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if claims.Scope != "admin" {
			http.Error(w, errMissingScope.Error(), http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
