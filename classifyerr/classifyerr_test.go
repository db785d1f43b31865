package classifyerr

import (
	"errors"
	"testing"
)

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := NewLine(ParseFormat, "rules.txt", 12, cause)

	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var target *E
	if !errors.As(e, &target) {
		t.Fatal("errors.As should recover the *E")
	}
	if target.Kind != ParseFormat {
		t.Errorf("Kind = %v, want ParseFormat", target.Kind)
	}
}

func TestErrorString(t *testing.T) {
	e := New(FileOpen, "rules.txt", errors.New("no such file"))
	got := e.Error()
	want := "file-open: rules.txt: no such file"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
