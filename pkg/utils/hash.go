package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// CacheKey hashes the parts of a lookup into one fixed-length key. Parts
// are separated by NUL so ("ab", "c") and ("a", "bc") differ.
func CacheKey(parts ...string) string {
	return HashString(strings.Join(parts, "\x00"))
}
