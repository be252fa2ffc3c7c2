package auth

import (
	"testing"
	"time"
)

func TestTokenCarriesGroup(t *testing.T) {
	tokens := NewTokens("openlink", time.Hour)

	for _, group := range []uint8{1, 2, 7, 255} {
		tok, err := tokens.Issue(group)
		if err != nil {
			t.Fatalf("Issue(%d) failed: %v", group, err)
		}
		if got := tokens.Group(tok); got != group {
			t.Errorf("Group = %d, want %d", got, group)
		}
	}
}

func TestInvalidTokensMapToGroupZero(t *testing.T) {
	tokens := NewTokens("openlink", time.Hour)
	other := NewTokens("someone-else", time.Hour)

	forged, err := other.Issue(255)
	if err != nil {
		t.Fatal(err)
	}

	expiredIssuer := NewTokens("openlink", time.Hour)
	expiredIssuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := expiredIssuer.Issue(255)
	if err != nil {
		t.Fatal(err)
	}

	for name, tok := range map[string]string{
		"missing": "",
		"garbage": "not-a-token",
		"forged":  forged,
		"expired": expired,
	} {
		if got := tokens.Group(tok); got != 0 {
			t.Errorf("%s token: Group = %d, want 0", name, got)
		}
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("password")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword("password", hash) {
		t.Error("correct password rejected")
	}
	if VerifyPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
	if VerifyPassword("password", "") {
		t.Error("empty hash accepted")
	}
}
