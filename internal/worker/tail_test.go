package worker

import (
	"errors"
	"strings"
	"testing"
)

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tail := newTailBuffer(8)
	_, _ = tail.Write([]byte("abc"))
	_, _ = tail.Write([]byte("defgh"))
	if got := tail.String(); got != "abcdefgh" {
		t.Fatalf("got %q", got)
	}
	_, _ = tail.Write([]byte("ij"))
	if got := tail.String(); got != "cdefghij" {
		t.Fatalf("got %q", got)
	}
	_, _ = tail.Write([]byte(strings.Repeat("x", 20) + "tail1234"))
	if got := tail.String(); got != "tail1234" {
		t.Fatalf("got %q", got)
	}
}

func TestExitString(t *testing.T) {
	cases := []struct {
		exit  Exit
		want  string
		clean bool
	}{
		{Exit{}, "exit status 0", true},
		{Exit{Code: 1}, "exit status 1", false},
		{Exit{Code: -1, Signal: "killed"}, "killed by signal killed", false},
		{Exit{Code: -1, Err: errors.New("boom")}, "wait failed: boom", false},
	}
	for _, tc := range cases {
		if got := tc.exit.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
		if got := tc.exit.Clean(); got != tc.clean {
			t.Errorf("Clean() = %v for %+v", got, tc.exit)
		}
	}
}
