package util

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"
)

// NewID returns a practically-unique identifier: millisecond timestamp
// in base36 plus a random suffix. Collision odds at human edit rates
// are negligible; stable for the lifetime of the record.
func NewID(prefix string) string {
	bytes := make([]byte, 6)
	_, _ = rand.Read(bytes)
	id := strconv.FormatInt(time.Now().UnixMilli(), 36) + hex.EncodeToString(bytes)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
