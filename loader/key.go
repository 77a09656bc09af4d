package loader

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// KeyLength is the length of every derived cache key.
const KeyLength = 2 * sha1.Size

// DeriveKey returns the cache key of id rendered into a w×h target: the
// lower-case hex SHA-1 of "id::WxH". The same key names the entry in both the
// memory and the disk tier.
func DeriveKey(id string, w, h int) string {
	sum := sha1.Sum([]byte(id + "::" + strconv.Itoa(w) + "x" + strconv.Itoa(h)))
	return hex.EncodeToString(sum[:])
}
