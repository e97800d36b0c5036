package hashing

import (
	"strings"
	"testing"
)

func TestPseudonymStableForKey(t *testing.T) {
	p, err := NewPseudonymizer("audit-key")
	if err != nil {
		t.Fatal(err)
	}
	a := p.Pseudonym("user-42")
	if a == "" || a == "user-42" || !strings.HasPrefix(a, "ps_") {
		t.Fatalf("unexpected pseudonym %q", a)
	}
	if b := p.Pseudonym("user-42"); a != b {
		t.Errorf("pseudonym changed: %q vs %q", a, b)
	}
	if c := p.Pseudonym("user-43"); c == a {
		t.Error("different ids produced the same pseudonym")
	}

	other, _ := NewPseudonymizer("other-key")
	if other.Pseudonym("user-42") == a {
		t.Error("different keys produced the same pseudonym")
	}
}

func TestPseudonymEmptyID(t *testing.T) {
	p, _ := NewPseudonymizer("")
	if got := p.Pseudonym(""); got != "" {
		t.Errorf("Pseudonym(\"\") = %q", got)
	}
}

func TestKeyTooLong(t *testing.T) {
	if _, err := NewPseudonymizer(strings.Repeat("k", 65)); err != ErrKeyTooLong {
		t.Errorf("err = %v, want ErrKeyTooLong", err)
	}
}
