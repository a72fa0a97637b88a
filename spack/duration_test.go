package spack

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"500ms", 500 * time.Millisecond},
		{"1s500ms", 1500 * time.Millisecond},
		{"1m30s", 90 * time.Second},
		{"2h", 2 * time.Hour},
		{"1d2h3m4s5ms", 24*time.Hour + 2*time.Hour + 3*time.Minute + 4*time.Second + 5*time.Millisecond},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseDurationRejectsUnparsedRemainder(t *testing.T) {
	if _, err := ParseDuration("10x"); err == nil {
		t.Fatal("expected an error for an unknown unit")
	}
}

func TestFormatDurationRoundTrip(t *testing.T) {
	d := 90*time.Minute + 15*time.Second + 250*time.Millisecond
	s := FormatDuration(d)
	got, err := ParseDuration(s)
	if err != nil {
		t.Fatalf("ParseDuration(%q): %v", s, err)
	}
	if got != d {
		t.Fatalf("round trip = %v, want %v", got, d)
	}
}
