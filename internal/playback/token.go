// Package playback issues the signed URLs clients use to fetch protected
// streams through the playback proxy.
package playback

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ousseynoukone/m3u8-encoder-service-sub000/internal/config"
)

// Claims is the token payload bound to one job's stream.
type Claims struct {
	JobID string `json:"job_id"`
	Slug  string `json:"slug"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies playback tokens.
type Issuer struct {
	cfg config.PlaybackConfig
}

// NewIssuer creates a token issuer. A zero TTL falls back to the default; a
// negative TTL is honored and yields already-expired tokens.
func NewIssuer(cfg config.PlaybackConfig) *Issuer {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 4 * time.Hour
	}
	return &Issuer{cfg: cfg}
}

// Token signs a playback token for one job.
func (i *Issuer) Token(jobID, slug string) (string, error) {
	now := time.Now()
	claims := Claims{
		JobID: jobID,
		Slug:  slug,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   jobID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TokenTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.TokenSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign playback token: %w", err)
	}

	return signed, nil
}

// Verify parses a token and returns its claims. Expired or tampered tokens
// fail.
func (i *Issuer) Verify(token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(i.cfg.TokenSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid playback token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid playback token")
	}

	return &claims, nil
}

// URL builds the tokenized playback URL recorded on a completed job.
func (i *Issuer) URL(jobID, slug string) (string, error) {
	token, err := i.Token(jobID, slug)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/api/v1/playback/%s/master.m3u8?token=%s",
		i.cfg.BaseURL, url.PathEscape(jobID), url.QueryEscape(token)), nil
}
