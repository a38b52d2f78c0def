// Package iam issues and verifies the participant tokens attached to every
// protocol message.
package iam

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail parsing or verification.
var ErrInvalidToken = errors.New("invalid participant token")

// ClaimToken is the verified content of a participant token.
type ClaimToken struct {
	Subject   string
	Audience  string
	Claims    map[string]string
	ExpiresAt time.Time
}

// ParticipantAgent is the identity policies are evaluated against.
type ParticipantAgent struct {
	Identity string
	Claims   map[string]string
}

// AgentFor builds the agent behind a verified token.
func AgentFor(token ClaimToken) ParticipantAgent {
	claims := make(map[string]string, len(token.Claims))
	for k, v := range token.Claims {
		claims[k] = v
	}
	return ParticipantAgent{Identity: token.Subject, Claims: claims}
}

type participantClaims struct {
	Attributes map[string]string `json:"attrs,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs tokens for the local participant.
type Issuer struct {
	secret        []byte
	participantID string
	claims        map[string]string
	ttl           time.Duration
	now           func() time.Time
}

// NewIssuer creates an HS256 issuer.
func NewIssuer(secret, participantID string, claims map[string]string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{
		secret:        []byte(secret),
		participantID: participantID,
		claims:        claims,
		ttl:           ttl,
		now:           time.Now,
	}
}

// Issue returns a signed token addressed to audience.
func (i *Issuer) Issue(audience string) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, participantClaims{
		Attributes: i.claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   i.participantID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parser verifies tokens signed with the shared secret.
type Parser struct {
	secret []byte
}

// NewParser creates a Parser.
func NewParser(secret string) *Parser {
	return &Parser{secret: []byte(secret)}
}

// Parse verifies raw and returns its claims.
func (p *Parser) Parse(raw string) (ClaimToken, error) {
	var claims participantClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return ClaimToken{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return ClaimToken{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	ct := ClaimToken{
		Subject: claims.Subject,
		Claims:  claims.Attributes,
	}
	if len(claims.Audience) > 0 {
		ct.Audience = claims.Audience[0]
	}
	if claims.ExpiresAt != nil {
		ct.ExpiresAt = claims.ExpiresAt.Time
	}
	if ct.Claims == nil {
		ct.Claims = map[string]string{}
	}
	return ct, nil
}
