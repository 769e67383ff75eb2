package gate

import (
	"hash/fnv"
	"math/bits"
	"strings"
)

// Simhash computes a 64-bit locality-sensitive fingerprint over the text's
// word bigrams. Texts that share most of their phrasing land within a few
// bits of each other, so a small hamming distance means near-duplicate.
func Simhash(text string) uint64 {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return 0
	}

	var counts [64]int
	accumulate := func(feature string) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				counts[bit]++
			} else {
				counts[bit]--
			}
		}
	}

	if len(tokens) == 1 {
		accumulate(tokens[0])
	}
	for i := 0; i+1 < len(tokens); i++ {
		accumulate(tokens[i] + " " + tokens[i+1])
	}

	var fingerprint uint64
	for bit := 0; bit < 64; bit++ {
		if counts[bit] > 0 {
			fingerprint |= 1 << uint(bit)
		}
	}
	return fingerprint
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
