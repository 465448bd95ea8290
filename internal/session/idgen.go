package session

import (
	"encoding/base64"
	"encoding/binary"
	"math/rand"
)

// newID yields a stream of random, URL-safe message identifiers,
// generated on a dedicated goroutine so the hot path never blocks on
// PRNG contention. IDs are only used to name accepted messages, not
// for anything security-sensitive, so a PRNG is sufficient.
var newID chan string

func init() {
	newID = make(chan string, 4)
	go generateIDs()
}

func generateIDs() {
	buf := make([]byte, 8)
	for {
		binary.BigEndian.PutUint64(buf, rand.Uint64())
		newID <- base64.RawURLEncoding.EncodeToString(buf)
	}
}
