package suspend

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "conformance-harness"

type tokenClaims struct {
	SessionID string `json:"sid"`
	RunID     string `json:"rid"`
	jwt.RegisteredClaims
}

// TokenSigner mints and verifies correlation tokens. A token is an HS256-signed JWT whose ID claim
// identifies the suspension record and whose expiry is the end of the validity window, so a forged
// or stale token is rejected before the store is consulted.
type TokenSigner struct {
	key []byte
	now func() time.Time
}

// NewTokenSigner creates a signer. If secret is empty a random one is generated, which means
// tokens will not survive a restart of the process.
func NewTokenSigner(secret []byte) *TokenSigner {
	if len(secret) == 0 {
		secret = []byte(uuid.NewString() + uuid.NewString())
	}
	return &TokenSigner{key: secret, now: time.Now}
}

type mintedToken struct {
	token     string
	tokenID   string
	sessionID string
	runID     string
	issuedAt  time.Time
	expiresAt time.Time
}

func (s *TokenSigner) mint(sessionID, runID string, ttl time.Duration) (mintedToken, error) {
	now := s.now()
	m := mintedToken{
		tokenID:   uuid.NewString(),
		sessionID: sessionID,
		runID:     runID,
		issuedAt:  now,
		expiresAt: now.Add(ttl),
	}
	claims := tokenClaims{
		SessionID: sessionID,
		RunID:     runID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        m.tokenID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(m.issuedAt),
			ExpiresAt: jwt.NewNumericDate(m.expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return mintedToken{}, err
	}
	m.token = token
	return m, nil
}

func (s *TokenSigner) verify(token string) (mintedToken, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return mintedToken{}, err
	}
	if claims.ID == "" {
		return mintedToken{}, errors.New("token has no ID")
	}
	m := mintedToken{
		token:     token,
		tokenID:   claims.ID,
		sessionID: claims.SessionID,
		runID:     claims.RunID,
	}
	if claims.IssuedAt != nil {
		m.issuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		m.expiresAt = claims.ExpiresAt.Time
	}
	return m, nil
}

func unknownResumption(err error) error {
	return fmt.Errorf("%w: %s", ErrUnknownResumption, err)
}
