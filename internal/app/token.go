package app

import (
	"crypto/rand"
	"math/big"
)

const tokenAlphabet = "abcdefghijkmnpqrstuvwxyz23456789"

// GenerateToken returns a random token of the given length drawn from an
// alphabet without look-alike characters.
func GenerateToken(length int) string {
	out := make([]byte, length)
	for i := range out {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(tokenAlphabet))))
		out[i] = tokenAlphabet[n.Int64()]
	}
	return string(out)
}
