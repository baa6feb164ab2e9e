package secret

import (
	"fmt"
	"strings"
	"testing"
)

func TestZeroWipesBuffer(t *testing.T) {
	b := Clone([]byte{1, 2, 3})
	b.Zero()
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d = %d, want 0", i, v)
		}
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	src := []byte{9, 9}
	b := Clone(src)
	b.Zero()
	if src[0] != 9 {
		t.Fatal("expected source to be untouched")
	}
}

func TestFormattingIsRedacted(t *testing.T) {
	b := Bytes{0xde, 0xad, 0xbe, 0xef}
	for _, verb := range []string{"%v", "%x", "%s", "%#v"} {
		out := fmt.Sprintf(verb, b)
		if strings.Contains(out, "dead") || strings.Contains(out, "222") {
			t.Fatalf("%s leaked value: %q", verb, out)
		}
	}
}

func TestEqual(t *testing.T) {
	b := Bytes{1, 2}
	if !b.Equal([]byte{1, 2}) {
		t.Fatal("expected equal")
	}
	if b.Equal([]byte{1, 3}) {
		t.Fatal("expected not equal")
	}
}
