package engine

import (
	"math/rand/v2"
	"regexp"
)

var Words = []string{
	"apple", "banana", "bicycle", "bridge", "butterfly", "cactus", "camera",
	"candle", "castle", "cat", "cloud", "dragon", "elephant", "giraffe",
	"guitar", "hammer", "helicopter", "igloo", "island", "kangaroo", "kite",
	"ladder", "lighthouse", "mountain", "mushroom", "octopus", "penguin",
	"pirate", "pizza", "rainbow", "rocket", "snowman", "spider", "sun",
	"telescope", "tornado", "tree", "umbrella", "volcano", "whale",
}

var nonSpace = regexp.MustCompile(`\S`)

// PickWords draws n distinct candidates for the leader to choose from. n is
// clamped to the size of the word list.
func PickWords(r *rand.Rand, n int) []string {
	n = max(0, min(n, len(Words)))
	shuffled := make([]string, len(Words))
	copy(shuffled, Words)
	r.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:n]
}

// MaskWord hides every letter but keeps word boundaries visible.
func MaskWord(word string) string {
	return nonSpace.ReplaceAllString(word, "_")
}
