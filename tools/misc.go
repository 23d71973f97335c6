package tools

import (
	"math/rand"
)

var tokenRunes = []rune("abcdefghijklmnopqrstuvwxyz0123456789")

// RandToken returns a short lowercase alphanumeric token, used for
// message ids and per-operation log tags.
func RandToken(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = tokenRunes[rand.Intn(len(tokenRunes))]
	}
	return string(b)
}
