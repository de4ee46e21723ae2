package peerid

import "testing"

func TestParseRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	back, err := Parse(id.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !back.Equal(id) {
		t.Fatalf("Parse(String()) = %v, want %v", back, id)
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "not-hex", "aabb", string(make([]byte, 128))}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("Parse(%q): want error", c)
		}
	}
}

func TestDedupPreserveOrder(t *testing.T) {
	got := DedupPreserveOrder([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
