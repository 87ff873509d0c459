package devserver

import (
	"testing"

	"github.com/wasel-chat/wasel/internal/domain"
)

func TestTokenRoundTrip(t *testing.T) {
	user := domain.User{ID: "u1", Username: "sara", Role: "member"}
	token, err := issueToken("secret", user)
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}

	got, err := verifyToken("secret", token)
	if err != nil {
		t.Fatalf("verifyToken: %v", err)
	}
	if got != user {
		t.Errorf("verified user = %+v, want %+v", got, user)
	}
}

func TestVerifyTokenWrongSecret(t *testing.T) {
	token, err := issueToken("secret", domain.User{ID: "u1", Username: "sara"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifyToken("other-secret", token); err == nil {
		t.Error("token accepted under a different secret")
	}
}

func TestVerifyTokenGarbage(t *testing.T) {
	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := verifyToken("secret", token); err == nil {
			t.Errorf("verifyToken(%q) accepted", token)
		}
	}
}
