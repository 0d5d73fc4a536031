package logx

import (
	"errors"
	"testing"
	"time"
)

type section uint8

func (section) String() string { return "grass" }

func TestFormat(t *testing.T) {
	got := Format("watering", "section started",
		"section", section(2),
		"for", 20*time.Minute,
		"count", uint32(3),
		"err", errors.New("nack"),
		"dangling")
	want := "[watering] section started section=grass for=20m0s count=3 err=nack dangling=MISSING"
	if got != want {
		t.Fatalf("Format:\n got %q\nwant %q", got, want)
	}
}

func TestFormatNoName(t *testing.T) {
	if got := Format("", "hello"); got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"debug", DebugLevel, true},
		{"", InfoLevel, true},
		{"warn", WarnLevel, true},
		{"ERROR", ErrorLevel, true},
		{"loud", InfoLevel, false},
	}
	for _, c := range cases {
		got, ok := ParseLevel(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("ParseLevel(%q) = %v,%v want %v,%v", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	c := NewConsole("x", ErrorLevel)
	if OrNop(c) != Logger(c) {
		t.Fatal("OrNop replaced a non-nil logger")
	}
}
