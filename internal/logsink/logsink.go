// Package logsink issues signed, time-limited upload URLs for client
// diagnostic bundles. The URL embeds an HS256 token the upload
// endpoint verifies, so bundles can only land where and when the
// portal said they could.
package logsink

import (
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// DefaultTTL bounds how long an issued upload URL stays valid.
const DefaultTTL = time.Hour

// Claims are the JWT claims embedded in an upload URL.
type Claims struct {
	jwt.RegisteredClaims
	AccountSlug string `json:"account_slug"`
	ClientID    string `json:"client_id"`
}

// Issuer signs upload URLs for one configured sink endpoint.
type Issuer struct {
	secret  []byte
	baseURL *url.URL
	ttl     time.Duration
	clock   clockwork.Clock
}

// NewIssuer creates an Issuer. ttl of zero means DefaultTTL.
func NewIssuer(secret []byte, baseURL string, ttl time.Duration, clock clockwork.Clock) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("logsink: empty signing secret")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("logsink: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("logsink: base url %q must be absolute", baseURL)
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: secret, baseURL: u, ttl: ttl, clock: clock}, nil
}

// SignURL mints the upload URL for one client's bundle. Each call
// yields a distinct object path, so retries never overwrite an
// earlier upload.
func (i *Issuer) SignURL(accountSlug string, clientID uuid.UUID) (string, error) {
	now := i.clock.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.baseURL.Host,
			Subject:   clientID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.New().String(),
		},
		AccountSlug: accountSlug,
		ClientID:    clientID.String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign upload token: %w", err)
	}

	u := *i.baseURL
	u.Path = path.Join(u.Path, "uploads", accountSlug,
		fmt.Sprintf("%s_%d.tar.gz", clientID, now.Unix()))
	q := u.Query()
	q.Set("token", signed)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify validates an upload token and returns its claims.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.baseURL.Host),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify upload token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid upload token claims")
	}
	return claims, nil
}
