package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{Sub: "user-1", Tms: []string{"team-1", "team-2"}}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || !claims.HasTeam("team-2") || claims.IsSuperUser() {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:              "user-1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	issued, err := IssueToken([]byte("secret"), Claims{Sub: "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken([]byte("other"), issued); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := ParseToken([]byte("secret"), "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestWithTeamDoesNotAlias(t *testing.T) {
	base := Claims{Sub: "user-1", Tms: make([]string, 1, 4)}
	base.Tms[0] = "team-1"

	a := base.WithTeam("team-2")
	b := base.WithTeam("team-3")
	if !a.HasTeam("team-2") || a.HasTeam("team-3") {
		t.Fatalf("unexpected tms %v", a.Tms)
	}
	if !b.HasTeam("team-3") || b.HasTeam("team-2") {
		t.Fatalf("unexpected tms %v", b.Tms)
	}
	if base.HasTeam("team-2") {
		t.Fatal("WithTeam mutated the receiver")
	}
	if same := a.WithTeam("team-1"); len(same.Tms) != 2 {
		t.Fatalf("expected duplicate team to be ignored, got %v", same.Tms)
	}
}
