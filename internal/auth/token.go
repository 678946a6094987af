package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleSuperUser = "su"
	issuer        = "parabol"
)

// Claims is the auth token body. Tms lists the teams the user belongs to and
// is the only thing team-scoped authorization looks at.
type Claims struct {
	Sub string   `json:"sub"`
	Tms []string `json:"tms"`
	Rol string   `json:"rol,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IsSuperUser reports whether the token carries the su role.
func (c Claims) IsSuperUser() bool {
	return c.Rol == RoleSuperUser
}

// HasTeam reports whether teamID is in the token's team list.
func (c Claims) HasTeam(teamID string) bool {
	return slices.Contains(c.Tms, teamID)
}

// WithTeam returns a copy of the claims with teamID appended to tms.
func (c Claims) WithTeam(teamID string) Claims {
	if c.HasTeam(teamID) {
		return c
	}
	next := c
	next.Tms = append(slices.Clone(c.Tms), teamID)
	return next
}

// IssueToken signs claims with HS256. A zero expiry is filled from ttl.
func IssueToken(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.Subject = claims.Sub
	if claims.Issuer == "" {
		claims.Issuer = issuer
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	if claims.Tms == nil {
		claims.Tms = []string{}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(issuer))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Claims{}, ErrExpiredToken
	}
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// HashToken fingerprints a token for logs without exposing it.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
