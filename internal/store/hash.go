package store

import (
	"github.com/zeebo/blake3"
)

// nixBase32Alphabet omits e, o, u and t to avoid accidental words.
const nixBase32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

// contentHash returns the 32-character hash part used for store names
// derived from contents.
func contentHash(contents string) string {
	sum := blake3.Sum256([]byte(contents))
	return nixBase32(sum[:20])
}

// nixBase32 encodes b the way Nix prints store path hashes: least
// significant bits last, no padding.
func nixBase32(b []byte) string {
	n := (len(b)*8 + 4) / 5
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		bit := uint(i * 5)
		j := bit / 8
		shift := bit % 8
		c := b[j] >> shift
		if int(j)+1 < len(b) {
			c |= b[j+1] << (8 - shift)
		}
		out[n-1-i] = nixBase32Alphabet[c&0x1f]
	}
	return string(out)
}
