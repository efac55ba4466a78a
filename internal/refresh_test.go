package internal

import "testing"

func TestRefreshTokenRotateKeepsSession(t *testing.T) {
	tok, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	parsed, err := ParseRefreshToken(tok.String())
	if err != nil {
		t.Fatalf("ParseRefreshToken: %v", err)
	}
	if parsed != tok {
		t.Fatal("parsed token differs from original")
	}

	next, err := tok.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if next.Session != tok.Session {
		t.Fatal("rotation must keep the session id")
	}
	if next.Secret.Matches(tok.Secret.Digest()) {
		t.Fatal("rotated secret matched the old digest")
	}
	if !next.Secret.Matches(next.Secret.Digest()) {
		t.Fatal("secret must match its own digest")
	}
}

func TestParseRefreshTokenRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "abc", "!!!not-base64!!!", "aGVsbG8"} {
		if _, err := ParseRefreshToken(in); err == nil {
			t.Errorf("ParseRefreshToken(%q) succeeded", in)
		}
	}
}

// FuzzParseRefreshToken checks that anything the parser accepts encodes back
// to the same string.
func FuzzParseRefreshToken(f *testing.F) {
	f.Add("")
	f.Add("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	f.Add("aGVsbG8=")
	if tok, err := NewRefreshToken(); err == nil {
		f.Add(tok.String())
	}

	f.Fuzz(func(t *testing.T, s string) {
		tok, err := ParseRefreshToken(s)
		if err != nil {
			return
		}
		if tok.String() != s {
			t.Fatalf("accepted %q but re-encoded as %q", s, tok.String())
		}
	})
}
