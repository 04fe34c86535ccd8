package utils

import (
	"crypto/md5"
	"encoding/hex"
)

// MakeMD5Hash returns md5 hex string from plain text
// cache keys and fan-out directories use this
func MakeMD5Hash(s string) string {
	hash := md5.New()
	hash.Write([]byte(s))
	hashBytes := hash.Sum(nil)
	return hex.EncodeToString(hashBytes)
}
