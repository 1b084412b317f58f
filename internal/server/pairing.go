package server

import (
	"crypto/rand"
	"math/big"
)

// Pairing codes are short and human-shareable, so the alphabet drops the
// characters people misread (0/O, 1/I/L).
const pairingAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const pairingCodeLength = 6

// GeneratePairingCode returns a fresh random pairing code.
func GeneratePairingCode() string {
	code := make([]byte, pairingCodeLength)
	max := big.NewInt(int64(len(pairingAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken;
			// there is no sensible recovery at this layer.
			panic(err)
		}
		code[i] = pairingAlphabet[n.Int64()]
	}
	return string(code)
}
