// Package id generates compact, sortable identifiers for conversations
// and messages.
package id

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var counter uint32

// New generates a 12-byte ObjectID-like string (24 hex characters):
// a 4-byte unix timestamp, 5 random bytes, and a 3-byte rolling counter.
func New() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(time.Now().Unix()))
	_, _ = rand.Read(b[4:9])
	c := atomic.AddUint32(&counter, 1) % 0xFFFFFF
	b[9] = byte(c >> 16)
	b[10] = byte(c >> 8)
	b[11] = byte(c)
	return hex.EncodeToString(b[:])
}

// TimeOf extracts the creation time encoded in the leading 8 hex
// characters of an id produced by New.
func TimeOf(idStr string) (time.Time, error) {
	if len(idStr) < 8 {
		return time.Time{}, fmt.Errorf("id too short: %d", len(idStr))
	}
	b, err := hex.DecodeString(idStr[:8])
	if err != nil {
		return time.Time{}, err
	}
	sec := binary.BigEndian.Uint32(b)
	return time.Unix(int64(sec), 0), nil
}
