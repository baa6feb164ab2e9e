// Package secret holds key material that is wiped once it is no longer needed.
package secret

import (
	"crypto/subtle"
	"fmt"
)

// Bytes is key material. Call Zero when done; fmt verbs print a redacted
// placeholder so the value cannot leak through logging.
type Bytes []byte

// Clone copies b into a fresh buffer owned by the caller.
func Clone(b []byte) Bytes {
	out := make(Bytes, len(b))
	copy(out, b)
	return out
}

// Zero overwrites the buffer in place.
func (b Bytes) Zero() {
	for i := range b {
		b[i] = 0
	}
}

// Equal compares in constant time.
func (b Bytes) Equal(other []byte) bool {
	return subtle.ConstantTimeCompare(b, other) == 1
}

// String implements fmt.Stringer with a redacted value.
func (b Bytes) String() string {
	return fmt.Sprintf("secret(%d bytes)", len(b))
}

// GoString implements fmt.GoStringer with a redacted value.
func (b Bytes) GoString() string {
	return b.String()
}

// Format keeps %x, %v and friends from printing the raw bytes.
func (b Bytes) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(b.String()))
}
