package peerid

import "testing"

func TestNewIsStableWithinProcess(t *testing.T) {
	Reset()
	defer Reset()

	a, err := New()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("new (second call): %v", err)
	}
	if a != b {
		t.Fatalf("expected stable identity, got %q then %q", a, b)
	}
	if len(a) != 36 {
		t.Fatalf("expected a 36-character UUID string, got %d: %q", len(a), a)
	}
}

func TestFreshGeneratesDistinctIdentities(t *testing.T) {
	a, err := Fresh()
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	b, err := Fresh()
	if err != nil {
		t.Fatalf("fresh (second): %v", err)
	}
	if a == b {
		t.Fatal("expected distinct identities from Fresh")
	}
}
