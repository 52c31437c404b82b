// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Transaction, dispute, recovery, and mandate prefixes used across the core.
const (
	PrefixTransaction = "ps"
	PrefixDispute      = "dsp"
	PrefixRecovery     = "rcv"
	PrefixMandate      = "mdt"
)

// New generates a UUID-like random ID (32 hex chars with dashes).
// Format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix generates an id shaped <prefix>_<hex-ms-timestamp>_<8-char-base36>,
// the format the core uses for transactions, disputes, and recovery actions.
func WithPrefix(prefix string) string {
	ms := time.Now().UTC().UnixMilli()
	return fmt.Sprintf("%s_%s_%s", prefix, strconvHex(ms), base36(8))
}

func strconvHex(n int64) string {
	return fmt.Sprintf("%x", n)
}

// base36 returns a random lowercase base36 string of the given length.
func base36(n int) string {
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(base36Alphabet))))
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		out[i] = base36Alphabet[idx.Int64()]
	}
	return string(out)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
