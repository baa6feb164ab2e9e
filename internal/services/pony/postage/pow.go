package postage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
	"strconv"
)

// Challenge returns hex(SHA-256(toHouseID ":" nonce)), the digest a pow.v1
// proof must carry when work verification is on.
func Challenge(toHouseID, nonce string) string {
	sum := sha256.Sum256([]byte(toHouseID + ":" + nonce))
	return hex.EncodeToString(sum[:])
}

// LeadingZeroBits counts the leading zero bits of a hex digest.
func LeadingZeroBits(digest string) (int, error) {
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, b := range raw {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count, nil
}

// Solve searches nonces until the challenge digest has difficulty leading
// zero bits. It gives up after maxAttempts.
func Solve(toHouseID string, difficulty int, maxAttempts int) (Postage, error) {
	if difficulty < 0 || difficulty > MaxDifficulty {
		return Postage{}, fmt.Errorf("difficulty must be between 0 and %d", MaxDifficulty)
	}
	for i := 0; i < maxAttempts; i++ {
		nonce := strconv.Itoa(i)
		digest := Challenge(toHouseID, nonce)
		zeros, err := LeadingZeroBits(digest)
		if err != nil {
			return Postage{}, err
		}
		if zeros >= difficulty {
			return Postage{Kind: KindPoW, Nonce: nonce, Digest: digest, Difficulty: difficulty}, nil
		}
	}
	return Postage{}, fmt.Errorf("no solution within %d attempts", maxAttempts)
}
