package util

import (
	"path/filepath"
	"testing"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 3; i++ {
		if r.Push(i) {
			t.Fatalf("push %d evicted before full", i)
		}
	}
	if !r.Push(4) || !r.Push(5) {
		t.Fatal("push into full buffer should evict")
	}
	if r.Evicted() != 2 {
		t.Fatalf("evicted = %d, want 2", r.Evicted())
	}
	got := r.Drain()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("drain = %v, want [3 4 5]", got)
	}
	if r.Len() != 0 || len(r.Drain()) != 0 {
		t.Fatal("buffer should be empty after drain")
	}
	r.Push(6)
	if got := r.Drain(); len(got) != 1 || got[0] != 6 {
		t.Fatalf("drain after reuse = %v", got)
	}
}

func TestRingBufferMinimumSize(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("a")
	r.Push("b")
	if got := r.Drain(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("drain = %v", got)
	}
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x")
	if got := ResolvePath("base", abs); got != abs {
		t.Errorf("absolute: got %q", got)
	}
	if got := ResolvePath("base", "music"); got != filepath.Join("base", "music") {
		t.Errorf("relative: got %q", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"":                        "",
		" relay.local:8080/ ":     "http://relay.local:8080",
		"https://relay.example//": "https://relay.example",
	}
	for in, want := range cases {
		if got := NormalizeURL(in); got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateDeviceName(t *testing.T) {
	if name, err := ValidateDeviceName("  Kitchen  "); err != nil || name != "Kitchen" {
		t.Fatalf("got %q, %v", name, err)
	}
	for _, bad := range []string{"", "   ", "a\nb", string(make([]byte, 65))} {
		if _, err := ValidateDeviceName(bad); err == nil {
			t.Errorf("%q should be rejected", bad)
		}
	}
}
