// Package tokens implements the stateless session token protocol: HS256
// JWTs carrying a single username claim, signed with the newest key of a
// rotating ring and verified against every key still on record. There is no
// server-side session table.
package tokens

import (
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/filekeeper/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

const DefaultValidityDuration = 30 * time.Minute

// Claims carries the standard claims plus the single username claim bound
// to the session.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// Service issues and verifies tokens. The key ring is loaded from the
// persistence layer at startup and replaced wholesale on rotation; in-flight
// verifications read whatever key set exists at the time.
type Service struct {
	mu       sync.RWMutex
	keys     [][]byte
	validity time.Duration
}

func NewService(validity time.Duration) *Service {
	if validity <= 0 {
		validity = DefaultValidityDuration
	}
	return &Service{validity: validity}
}

// SetKeys replaces the ring with the ordered key set from the persistence
// layer. The last key is the newest and is the one used for signing.
func (s *Service) SetKeys(keys []string) {
	ring := make([][]byte, len(keys))
	for i, k := range keys {
		ring[i] = []byte(k)
	}
	s.mu.Lock()
	s.keys = ring
	s.mu.Unlock()
}

// IssueToken produces a signed token binding the username, expiring after
// the configured validity.
func (s *Service) IssueToken(username string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.keys) == 0 {
		return "", fmt.Errorf("issuing token: no signing keys loaded")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.validity)),
		},
		Username: username,
	})

	return token.SignedString(s.keys[len(s.keys)-1])
}

// VerifyToken fails closed: missing, malformed, expired and unverifiable
// tokens are all just false, with no distinction for the caller to leak.
func (s *Service) VerifyToken(tokenString string) bool {
	_, err := s.parse(tokenString)
	return err == nil
}

// ExtractUsername returns the username claim. Valid to call only after
// VerifyToken reported true; it re-verifies anyway and errors on anything
// that would not have passed.
func (s *Service) ExtractUsername(tokenString string) (string, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return "", common.ErrInvalidToken
	}
	return claims.Username, nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, common.ErrInvalidToken
	}

	s.mu.RLock()
	ring := s.keys
	s.mu.RUnlock()

	// Rotation contract: a token signed by any key still on record stays
	// valid, so every key is tried, not only the newest.
	var lastErr error = common.ErrInvalidToken
	for _, key := range ring {
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err == nil && token.Valid {
			return claims, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	return nil, lastErr
}
