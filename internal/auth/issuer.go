package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 30 * time.Minute

// IssuerConfig configures local token issuance. Production tokens come from
// the external identity provider; the issuer exists for tests and local
// development against the same shared secret.
type IssuerConfig struct {
	SigningSecret []byte
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Issuer mints HS256 tokens compatible with Verifier.
type Issuer struct {
	config IssuerConfig
	clock  func() time.Time
}

// NewIssuer constructs an Issuer with sane defaults.
func NewIssuer(cfg IssuerConfig) *Issuer {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.Clock = clock
	return &Issuer{config: cfg, clock: clock}
}

// IssueToken produces a signed token for the given subject.
func (i *Issuer) IssueToken(subject string) (string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", ErrMissingSigningSecret
	}
	if subject == "" {
		return "", ErrMissingSubject
	}

	now := i.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.config.TokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.config.SigningSecret)
}
