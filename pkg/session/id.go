package session

import (
	"crypto/rand"
	"strings"
	"time"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateID returns a new sortable session id of the form
// S-<base36 millis since epoch>-<4 base36 random chars>. Lexicographic
// and creation-time order agree for ids minted by this function, which
// §8's ordering properties depend on. The random suffix comes from
// crypto/rand, never math/rand, because the id is identity-bearing.
func GenerateID(now time.Time) string {
	return "S-" + toBase36(uint64(now.UnixMilli())) + "-" + randSuffix(4)
}

func toBase36(n uint64) string {
	if n == 0 {
		return "0"
	}
	var b strings.Builder
	var digits []byte
	for n > 0 {
		digits = append(digits, idAlphabet[n%36])
		n /= 36
	}
	for i := len(digits) - 1; i >= 0; i-- {
		b.WriteByte(digits[i])
	}
	return b.String()
}

func randSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// unavailable; fall back to a fixed suffix rather than panic,
		// since an id is still needed to keep the daemon running.
		for i := range buf {
			buf[i] = 0
		}
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out)
}
