// Package callback carries workflow progress from a worker back to the
// dispatcher's ledger: job-scoped JWTs, the event wire format, and an HTTP
// client that reports events.
package callback

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a callback token fails verification.
var ErrInvalidToken = errors.New("callback: invalid token")

// Claims scope a token to one job.
type Claims struct {
	JobID    string `json:"job_id"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 callback tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a Signer. A non-positive ttl issues tokens without expiry.
func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for jobID.
func (s *Signer) Issue(jobID, tenantID string) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("callback: signing secret is not configured")
	}
	now := s.now()
	claims := Claims{
		JobID:    jobID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "switchyard",
			Subject:  jobID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("callback: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and checks that it was issued for jobID.
func (s *Signer) Verify(token, jobID string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.JobID != jobID {
		return nil, fmt.Errorf("%w: issued for job %s", ErrInvalidToken, claims.JobID)
	}
	return &claims, nil
}
