package ceremony

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/mr-tron/base58"
)

func TestDeriveFromRevealsIsDeterministic(t *testing.T) {
	reveal := bytes.Repeat([]byte{0x42}, RevealSize)

	first, err := DeriveFromReveals(reveal)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := DeriveFromReveals(reveal)
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if first.HouseID != second.HouseID {
		t.Fatalf("house id = %s, want %s", second.HouseID, first.HouseID)
	}
	if !first.Auth.Equal(second.Auth) || !first.Enc.Equal(second.Enc) {
		t.Fatal("keys differ for identical reveals")
	}
	if first.Auth.Equal(first.Enc) {
		t.Fatal("auth and enc keys must differ")
	}
	if len(first.Auth) != KeySize || len(first.Enc) != KeySize {
		t.Fatalf("key sizes = %d/%d, want %d", len(first.Auth), len(first.Enc), KeySize)
	}
}

func TestHouseIDMatchesDoubleHash(t *testing.T) {
	reveal := bytes.Repeat([]byte{0x01}, RevealSize)
	root := sha256.Sum256(reveal)
	once := sha256.Sum256(root[:])
	twice := sha256.Sum256(once[:])

	keys, err := DeriveFromReveals(reveal)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if keys.HouseID != base58.Encode(twice[:]) {
		t.Fatalf("house id = %s, want %s", keys.HouseID, base58.Encode(twice[:]))
	}
	decoded, err := base58.Decode(keys.HouseID)
	if err != nil || len(decoded) != sha256.Size {
		t.Fatalf("house id should decode to 32 bytes, got %d (%v)", len(decoded), err)
	}
}

func TestCoopOrderMatters(t *testing.T) {
	a := bytes.Repeat([]byte{0x0a}, RevealSize)
	b := bytes.Repeat([]byte{0x0b}, RevealSize)

	ab, err := DeriveFromReveals(a, b)
	if err != nil {
		t.Fatalf("derive ab: %v", err)
	}
	ba, err := DeriveFromReveals(b, a)
	if err != nil {
		t.Fatalf("derive ba: %v", err)
	}
	if ab.HouseID == ba.HouseID {
		t.Fatal("human and agent reveals must not commute")
	}
	solo, err := DeriveFromReveals(a)
	if err != nil {
		t.Fatalf("derive solo: %v", err)
	}
	if solo.HouseID == ab.HouseID {
		t.Fatal("solo and coop derivations must differ")
	}
}

func TestDeriveRejectsBadSizes(t *testing.T) {
	if _, err := DeriveFromReveals([]byte("short")); err == nil {
		t.Fatal("expected error for short reveal")
	}
	if _, err := DeriveFromReveals(); err == nil {
		t.Fatal("expected error for no reveals")
	}
	if _, err := DeriveKeys([]byte("short")); err == nil {
		t.Fatal("expected error for short root")
	}
}

func TestKeysZero(t *testing.T) {
	keys, err := DeriveFromReveals(bytes.Repeat([]byte{0x07}, RevealSize))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	keys.Zero()
	if !bytes.Equal(keys.Auth, make([]byte, KeySize)) || !bytes.Equal(keys.Enc, make([]byte, KeySize)) {
		t.Fatal("expected zeroed keys")
	}
}
